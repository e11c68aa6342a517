package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/altermind/altermind/internal/browser"
)

// Interactive accessibility roles worth indexing in the element map.
var interactiveRoles = map[string]bool{
	"button": true, "link": true, "textbox": true, "searchbox": true,
	"checkbox": true, "radio": true, "combobox": true, "listbox": true,
	"menuitem": true, "option": true, "slider": true, "switch": true,
	"tab": true,
}

// BrowserTool drives the session's browser: navigation, reading page
// content into the element map, and acting on indexed elements.
type BrowserTool struct {
	manager *browser.Manager
	images  *browser.ImageBuffer
}

// NewBrowserTool wires the tool to the browser manager and image buffer.
func NewBrowserTool(m *browser.Manager, images *browser.ImageBuffer) *BrowserTool {
	return &BrowserTool{manager: m, images: images}
}

func (t *BrowserTool) Definition() Definition {
	return Definition{
		Name:        "browser",
		Description: "Control a browser dedicated to this conversation. Use get_content to read the page and build the numbered element map before clicking or typing.",
		Operations: map[string]Operation{
			"navigate": {
				Description: "Open a URL",
				Params:      map[string]Param{"url": {Type: "string", Description: "Absolute URL to open"}},
				Required:    []string{"url"},
			},
			"get_content": {
				Description: "Read the page and rebuild the numbered element map",
			},
			"click": {
				Description: "Click an element by its map index",
				Params:      map[string]Param{"index": {Type: "number", Description: "Element index from get_content"}},
				Required:    []string{"index"},
			},
			"type": {
				Description: "Type text into an element by its map index",
				Params: map[string]Param{
					"index": {Type: "number", Description: "Element index from get_content"},
					"text":  {Type: "string", Description: "Text to type"},
				},
				Required: []string{"index", "text"},
			},
			"scroll": {
				Description: "Scroll the page",
				Params: map[string]Param{
					"direction": {Type: "string", Enum: []string{"up", "down"}},
				},
				Required: []string{"direction"},
			},
			"screenshot": {
				Description: "Capture the page into the session's screenshot buffer",
			},
			"back": {
				Description: "Navigate back in history",
			},
		},
	}
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]interface{}, sessionID string) (string, error) {
	sess, err := t.manager.GetOrCreate(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("browser session: %w", err)
	}
	conn, ok := sess.Rod()
	if !ok {
		return "", fmt.Errorf("browser session has no live connection")
	}

	op, _ := args["operation"].(string)
	switch op {
	case "navigate":
		url, _ := args["url"].(string)
		if err := conn.Page.Context(ctx).Navigate(url); err != nil {
			return "", fmt.Errorf("navigate: %w", err)
		}
		conn.Page.Context(ctx).WaitLoad()
		// Cross-document navigation resets CDP domain state.
		sess.ClearElementMap()
		return fmt.Sprintf("Navigated to %s", url), nil

	case "get_content":
		return t.readContent(ctx, sess, conn)

	case "click":
		ref, el, err := t.resolve(ctx, sess, conn, args)
		if err != nil {
			return "", err
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return "", staleOrErr(sess, ref, fmt.Errorf("click element %d: %w", ref.Index, err))
		}
		return fmt.Sprintf("Clicked element %d (%s %q)", ref.Index, ref.Role, ref.Name), nil

	case "type":
		ref, el, err := t.resolve(ctx, sess, conn, args)
		if err != nil {
			return "", err
		}
		text, _ := args["text"].(string)
		if err := el.Input(text); err != nil {
			return "", staleOrErr(sess, ref, fmt.Errorf("type into element %d: %w", ref.Index, err))
		}
		return fmt.Sprintf("Typed %q into element %d", text, ref.Index), nil

	case "scroll":
		dir, _ := args["direction"].(string)
		delta := 600.0
		if dir == "up" {
			delta = -600.0
		}
		if err := conn.Page.Context(ctx).Mouse.Scroll(0, delta, 1); err != nil {
			return "", fmt.Errorf("scroll: %w", err)
		}
		return "Scrolled " + dir, nil

	case "screenshot":
		return t.screenshot(ctx, sess, conn, sessionID)

	case "back":
		if err := conn.Page.Context(ctx).NavigateBack(); err != nil {
			return "", fmt.Errorf("back: %w", err)
		}
		sess.ClearElementMap()
		return "Navigated back", nil
	}
	return "", fmt.Errorf("unknown operation %q", op)
}

// readContent walks the accessibility tree, rebuilds the element map with
// interactive nodes, and renders a numbered outline for the model.
func (t *BrowserTool) readContent(ctx context.Context, sess *browser.Session, conn *browser.RodConn) (string, error) {
	page := conn.Page.Context(ctx)
	tree, err := proto.AccessibilityGetFullAXTree{}.Call(page)
	if err != nil {
		return "", fmt.Errorf("read accessibility tree: %w", err)
	}

	var entries []browser.ElementRef
	var b strings.Builder
	index := 0
	for _, node := range tree.Nodes {
		if node.Ignored || node.Role == nil {
			continue
		}
		role := axValue(node.Role)
		name := axValue(node.Name)
		switch {
		case interactiveRoles[role] && node.BackendDOMNodeID != 0:
			index++
			entries = append(entries, browser.ElementRef{
				Index:            index,
				Role:             role,
				Name:             name,
				BackendDOMNodeID: int(node.BackendDOMNodeID),
			})
			fmt.Fprintf(&b, "[%d] %s %q\n", index, role, name)
		case role == "StaticText" && name != "":
			b.WriteString(name + "\n")
		case (role == "heading" || role == "paragraph") && name != "":
			b.WriteString(name + "\n")
		}
	}

	version := sess.UpdateElementMap(entries)
	fmt.Fprintf(&b, "\n(%d interactive elements, map v%d)\n", len(entries), version)
	return b.String(), nil
}

// resolve looks up the index argument in the element map and materializes
// the rod element from its backend node id.
func (t *BrowserTool) resolve(ctx context.Context, sess *browser.Session, conn *browser.RodConn, args map[string]interface{}) (browser.ElementRef, *rod.Element, error) {
	idx := intArg(args, "index")
	ref, err := sess.ResolveElement(idx)
	if err != nil {
		return browser.ElementRef{}, nil, err
	}

	page := conn.Page.Context(ctx)
	desc, err := proto.DOMDescribeNode{
		BackendNodeID: proto.DOMBackendNodeID(ref.BackendDOMNodeID),
	}.Call(page)
	if err != nil {
		return ref, nil, staleOrErr(sess, ref, fmt.Errorf("resolve element %d: %w", ref.Index, err))
	}
	el, err := page.ElementFromNode(desc.Node)
	if err != nil {
		return ref, nil, staleOrErr(sess, ref, fmt.Errorf("materialize element %d: %w", ref.Index, err))
	}
	return ref, el, nil
}

func (t *BrowserTool) screenshot(ctx context.Context, sess *browser.Session, conn *browser.RodConn, sessionID string) (string, error) {
	raw, err := conn.Page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return "", fmt.Errorf("screenshot: %w", err)
	}
	if _, err := t.images.Set(sessionID, raw, "image/png"); err != nil {
		return "", err
	}
	return fmt.Sprintf("Screenshot captured (%d bytes). Use the vision tool to describe it.", len(raw)), nil
}

// staleOrErr converts a CDP failure on an element resolved against an older
// map version into a stale-element error.
func staleOrErr(sess *browser.Session, ref browser.ElementRef, err error) error {
	if ref.MapVersion != 0 && ref.MapVersion < sess.MapVersion() {
		return fmt.Errorf("%w: element %d came from map v%d but the map is now v%d; call get_content to refresh",
			browser.ErrStaleElement, ref.Index, ref.MapVersion, sess.MapVersion())
	}
	return err
}

func axValue(v *proto.AccessibilityAXValue) string {
	if v == nil {
		return ""
	}
	return v.Value.Str()
}

func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}
