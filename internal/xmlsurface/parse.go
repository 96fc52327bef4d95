// Package xmlsurface parses a process definition document into an
// in-memory flow expression tree. It is the only package that knows
// about the wire-level document shape; everything downstream works in
// terms of internal/domain.Node.
package xmlsurface

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rojkov/bureaucrat/internal/domain"
)

// FreshPID allocates a new workflow instance identifier; the root node's
// FEI is this UUID.
func FreshPID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", domain.NewBureaucratError(domain.ErrCodeInvalidState, "failed to generate pid", err)
	}
	return id.String(), nil
}

// xmlNode is a generic element: enough to walk any of the document's
// thirteen activity tags plus the context/faults/condition auxiliary
// elements without a struct per tag.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []xmlNode  `xml:",any"`
}

func (n *xmlNode) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func (n *xmlNode) attrOr(name, def string) string {
	if v, ok := n.attr(name); ok {
		return v
	}
	return def
}

func (n *xmlNode) childrenNamed(local string) []xmlNode {
	var out []xmlNode
	for _, c := range n.Children {
		if c.XMLName.Local == local {
			out = append(out, c)
		}
	}
	return out
}

func (n *xmlNode) firstChildNamed(local string) (*xmlNode, bool) {
	for i := range n.Children {
		if n.Children[i].XMLName.Local == local {
			return &n.Children[i], true
		}
	}
	return nil, false
}

// activityChildren returns n's children that are not one of the
// recognized auxiliary tags (context, condition, faults) — i.e. the
// nested activities a complex kind actually runs.
func (n *xmlNode) activityChildren() []xmlNode {
	var out []xmlNode
	for _, c := range n.Children {
		switch c.XMLName.Local {
		case "context", "condition", "faults":
			continue
		}
		out = append(out, c)
	}
	return out
}

// ParseDefinition parses raw process definition XML into its root
// element tree.
func ParseDefinition(defXML string) (*xmlNode, error) {
	var root xmlNode
	if err := xml.Unmarshal([]byte(defXML), &root); err != nil {
		return nil, domain.NewBureaucratError(domain.ErrCodeParse, "failed to parse process definition", err)
	}
	if root.XMLName.Local != "process" {
		return nil, domain.NewBureaucratError(domain.ErrCodeParse,
			fmt.Sprintf("root element must be <process>, got <%s>", root.XMLName.Local), nil)
	}
	return &root, nil
}

// activityKinds is the full activity set; sequential containers accept
// any of these as children.
var activityKinds = map[string]bool{
	"sequence": true, "switch": true, "while": true,
	"foreach": true, "action": true, "delay": true, "await": true,
	"call": true, "assign": true, "fault": true, "all": true,
}

// allowedChildKinds declares each complex kind's allowed child types:
// any child element that is neither whitelisted here nor an auxiliary
// tag (context, condition, faults) is a build-time error.
var allowedChildKinds = map[string]map[string]bool{
	"process":  activityKinds,
	"sequence": activityKinds,
	"case":     activityKinds,
	"default":  activityKinds,
	"while":    activityKinds,
	"foreach":  activityKinds,
	"all":      activityKinds,
	"switch":   {"case": true},
}

// Build parses defXML and constructs the full Process tree rooted at pid.
// parentFEI is "" for a top-level launch or the spawning Call leaf's FEI
// for a sub-process. A `parent` attribute on the root element is used
// when parentFEI is empty.
func Build(pid, parentFEI, defXML string, eval domain.Evaluator) (*domain.Process, error) {
	root, err := ParseDefinition(defXML)
	if err != nil {
		return nil, err
	}
	if parentFEI == "" {
		parentFEI = root.attrOr("parent", "")
	}
	proc := domain.NewProcess(pid, parentFEI)

	if err := applyDeclaredContext(root, proc); err != nil {
		return nil, err
	}

	children, err := buildChildren("process", root.activityChildren(), pid, proc, eval)
	if err != nil {
		return nil, err
	}
	proc.SetChildren(children)

	if fh, err := buildFaultHandler(root, pid, proc, eval); err != nil {
		return nil, err
	} else if fh != nil {
		proc.SetFaultHandler(fh)
	}

	return proc, nil
}

// declaredPropsSetter is implemented by every context-owning kind.
type declaredPropsSetter interface {
	SetDeclaredProps(map[string]any)
}

// applyDeclaredContext parses an optional <context> block and installs
// its typed properties as the node's declared locals, so resets (While
// re-entry, Foreach iteration) can re-apply them.
func applyDeclaredContext(elem *xmlNode, node declaredPropsSetter) error {
	ctxElem, ok := elem.firstChildNamed("context")
	if !ok {
		return nil
	}
	props, err := parseContext(ctxElem)
	if err != nil {
		return err
	}
	node.SetDeclaredProps(props)
	return nil
}

// parseContext reads a <context><property name="..." type="...">text
// </property>...</context> block into a plain map.
func parseContext(ctxElem *xmlNode) (map[string]any, error) {
	props := make(map[string]any)
	for _, p := range ctxElem.childrenNamed("property") {
		name, ok := p.attr("name")
		if !ok {
			return nil, domain.NewBureaucratError(domain.ErrCodeParse, "context property missing name attribute", nil)
		}
		if name == domain.ReservedFaultKey {
			return nil, domain.NewBureaucratError(domain.ErrCodeReservedKeyword, "'"+name+"' is a reserved keyword", nil)
		}
		ptype := p.attrOr("type", "str")
		v, err := domain.ParseProperty(ptype, strings.TrimSpace(p.Text))
		if err != nil {
			return nil, err
		}
		props[name] = v
	}
	return props, nil
}

// parseConditions collects the AND-joined guard expressions out of a
// node's <condition> children.
func parseConditions(elem *xmlNode) []string {
	var conds []string
	for _, c := range elem.childrenNamed("condition") {
		conds = append(conds, strings.TrimSpace(c.Text))
	}
	return conds
}

// buildChildren constructs each element in order, chaining parent so
// every child's context (if it owns one) can be built from a fully
// constructed ancestor (the two-phase base construction pattern).
// parentKind selects the allowed child set.
func buildChildren(parentKind string, elems []xmlNode, parentID string, parent domain.Node, eval domain.Evaluator) ([]domain.Node, error) {
	allowed := allowedChildKinds[parentKind]
	nodes := make([]domain.Node, 0, len(elems))
	for i, elem := range elems {
		if !allowed[elem.XMLName.Local] {
			return nil, domain.NewBureaucratError(domain.ErrCodeParse,
				fmt.Sprintf("unexpected child element <%s> under <%s> %s", elem.XMLName.Local, parentKind, parentID), nil)
		}
		childID := domain.ChildFEI(parentID, i)
		node, err := buildNode(elem, childID, parent, eval)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// finishComplex finishes a complex node's two-phase construction: declared
// context, recursive children, optional fault handler.
type complexNode interface {
	domain.Node
	declaredPropsSetter
	SetChildren([]domain.Node)
	SetFaultHandler(*domain.FaultHandler)
}

func finishComplex(n complexNode, kind string, elem *xmlNode, id string, eval domain.Evaluator) error {
	if err := applyDeclaredContext(elem, n); err != nil {
		return err
	}
	children, err := buildChildren(kind, elem.activityChildren(), id, n, eval)
	if err != nil {
		return err
	}
	n.SetChildren(children)
	fh, err := buildFaultHandler(elem, id, n, eval)
	if err != nil {
		return err
	}
	if fh != nil {
		n.SetFaultHandler(fh)
	}
	return nil
}

// buildNode dispatches on the element's tag name to construct the
// matching domain.Node kind. A complex node is constructed first and its
// activity children are then built against it and attached via
// finishComplex before it is returned (two-phase construction: a
// parent's context must exist before its children chain under it).
func buildNode(elem xmlNode, id string, parent domain.Node, eval domain.Evaluator) (domain.Node, error) {
	kind := elem.XMLName.Local
	switch kind {
	case "sequence":
		n := domain.NewSequence(id, parent)
		if err := finishComplex(n, kind, &elem, id, eval); err != nil {
			return nil, err
		}
		return n, nil

	case "switch":
		n := domain.NewSwitch(id, parent)
		if err := finishComplex(n, kind, &elem, id, eval); err != nil {
			return nil, err
		}
		return n, nil

	case "case":
		n := domain.NewCase(id, parent, parseConditions(&elem), eval)
		if err := finishComplex(n, kind, &elem, id, eval); err != nil {
			return nil, err
		}
		return n, nil

	case "while":
		n := domain.NewWhile(id, parent, parseConditions(&elem), eval)
		if err := finishComplex(n, kind, &elem, id, eval); err != nil {
			return nil, err
		}
		return n, nil

	case "foreach":
		selectExpr, ok := elem.attr("select")
		if !ok {
			return nil, domain.NewBureaucratError(domain.ErrCodeParse, "foreach missing select attribute", nil)
		}
		n := domain.NewForeach(id, parent, selectExpr, eval)
		if err := finishComplex(n, kind, &elem, id, eval); err != nil {
			return nil, err
		}
		return n, nil

	case "all":
		n := domain.NewAll(id, parent)
		if err := finishComplex(n, kind, &elem, id, eval); err != nil {
			return nil, err
		}
		return n, nil

	case "action":
		participant, ok := elem.attr("participant")
		if !ok {
			return nil, domain.NewBureaucratError(domain.ErrCodeParse, "action missing participant attribute", nil)
		}
		return domain.NewAction(id, parent, participant), nil

	case "delay":
		durAttr, ok := elem.attr("duration")
		if !ok {
			return nil, domain.NewBureaucratError(domain.ErrCodeParse, "delay missing duration attribute", nil)
		}
		dur, err := parseDuration(durAttr)
		if err != nil {
			return nil, err
		}
		return domain.NewDelay(id, parent, dur), nil

	case "await":
		event, ok := elem.attr("event")
		if !ok {
			return nil, domain.NewBureaucratError(domain.ErrCodeParse, "await missing event attribute", nil)
		}
		conds := parseConditions(&elem)
		return domain.NewAwait(id, parent, event, conds, eval), nil

	case "call":
		ref, ok := elem.attr("process")
		if !ok {
			return nil, domain.NewBureaucratError(domain.ErrCodeParse, "call missing process attribute", nil)
		}
		return domain.NewCall(id, parent, ref), nil

	case "assign":
		prop, ok := elem.attr("property")
		if !ok {
			return nil, domain.NewBureaucratError(domain.ErrCodeParse, "assign missing property attribute", nil)
		}
		return domain.NewAssign(id, parent, prop, strings.TrimSpace(elem.Text), eval), nil

	case "fault":
		code := elem.attrOr("code", "")
		message := elem.attrOr("message", strings.TrimSpace(elem.Text))
		return domain.NewFault(id, parent, code, message), nil

	default:
		return nil, domain.NewBureaucratError(domain.ErrCodeInvalidInput,
			fmt.Sprintf("unknown activity kind <%s>", elem.XMLName.Local), nil)
	}
}

// parseDuration accepts a bare integer (seconds) or a Go duration string
// such as "5s"/"2h". Plain seconds remain the default form.
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, domain.NewBureaucratError(domain.ErrCodeParse, "invalid delay duration: "+s, err)
	}
	return d, nil
}

// buildFaultHandler parses an optional <faults><case codes="...">...
// </case><default>...</default></faults> block. Multiple
// activities inside a case/default body are implicitly wrapped in a
// sequence the same way a top-level body is.
func buildFaultHandler(elem *xmlNode, ownerID string, owner domain.Node, eval domain.Evaluator) (*domain.FaultHandler, error) {
	faultsElem, ok := elem.firstChildNamed("faults")
	if !ok {
		return nil, nil
	}
	fh := &domain.FaultHandler{}
	for i, caseElem := range faultsElem.childrenNamed("case") {
		codesAttr, _ := caseElem.attr("codes")
		var codes []string
		for _, c := range strings.Split(codesAttr, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				codes = append(codes, c)
			}
		}
		bodyID := fmt.Sprintf("%s_fault_case%d", ownerID, i)
		body, err := buildFaultBody(caseElem.activityChildren(), bodyID, owner, eval)
		if err != nil {
			return nil, err
		}
		fh.Cases = append(fh.Cases, domain.FaultCase{Codes: codes, Body: body})
	}
	if defElem, ok := faultsElem.firstChildNamed("default"); ok {
		bodyID := fmt.Sprintf("%s_fault_default", ownerID)
		body, err := buildFaultBody(defElem.activityChildren(), bodyID, owner, eval)
		if err != nil {
			return nil, err
		}
		fh.Default = body
	}
	if len(fh.Cases) == 0 && fh.Default == nil {
		return nil, nil
	}
	return fh, nil
}

// buildFaultBody wraps a handler's activities in a Sequence addressed at
// bodyID so it can be routed and snapshotted like any other subtree.
func buildFaultBody(activities []xmlNode, bodyID string, parent domain.Node, eval domain.Evaluator) (domain.Node, error) {
	seq := domain.NewSequence(bodyID, parent)
	children, err := buildChildren("sequence", activities, bodyID, seq, eval)
	if err != nil {
		return nil, err
	}
	seq.SetChildren(children)
	return seq, nil
}
