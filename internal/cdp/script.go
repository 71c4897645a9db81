package cdp

import (
	"encoding/json"
	"strings"

	"github.com/dgnsrekt/slothtab/internal/types"
)

const (
	bindingName   = "__slothtabBinding"
	pageNamespace = "__slothtab"
	idAttribute   = "data-slothtab-id"
)

// pageScript runs in every document. It tags elements with stable ids,
// exposes the DOM operations the loader needs under window.__slothtab, and
// reports key state, pointer samples and readiness through the binding.
// Pointer samples are sent only while Ctrl+Alt is held, at most once per frame.
const pageScript = `(function(){
if (window.__slothtab) return;
var seq = 0;
var held = false;
var pending = null;
function send(msg) {
  try { window.` + bindingName + `(JSON.stringify(msg)); } catch (_) {}
}
function idOf(el) {
  var id = el.getAttribute("` + idAttribute + `");
  if (!id) { id = "e" + (++seq) + "-" + Date.now().toString(36); el.setAttribute("` + idAttribute + `", id); }
  return id;
}
function byId(id) {
  return document.querySelector('[` + idAttribute + `="' + id + '"]');
}
function pictureOf(el) {
  var p = el.parentElement;
  return p && p.tagName.toLowerCase() === "picture" ? p : null;
}
function describe(el) {
  var tag = el.tagName.toLowerCase();
  var picture = tag === "img" ? pictureOf(el) : null;
  var source = picture ? picture.querySelector("source") : null;
  var bg = "";
  try { bg = window.getComputedStyle(el).backgroundImage || ""; } catch (_) {}
  return {
    id: idOf(el),
    tag: tag,
    src: tag === "img" ? (el.src || "") : "",
    srcset: el.getAttribute("srcset") || "",
    alt: el.getAttribute("alt") || "",
    inPicture: !!picture,
    pictureSourceSrcset: source ? (source.getAttribute("srcset") || "") : "",
    backgroundImage: bg,
    baseURI: document.baseURI || ""
  };
}
window.__slothtab = {
  elementsAt: function(x, y) {
    return Array.prototype.map.call(document.elementsFromPoint(x, y), describe);
  },
  setSrc: function(id, v) {
    var el = byId(id); if (!el) return false;
    el.src = v; return true;
  },
  removeSrcset: function(id) {
    var el = byId(id); if (!el) return false;
    el.removeAttribute("srcset"); return true;
  },
  removePictureSources: function(id) {
    var el = byId(id); if (!el) return false;
    var p = pictureOf(el);
    if (p) p.querySelectorAll("source").forEach(function(s) { s.remove(); });
    return true;
  },
  setBackgroundImage: function(id, v) {
    var el = byId(id); if (!el) return false;
    el.style.setProperty("background-image", "url(" + v + ")", "important"); return true;
  },
  setTitle: function(id, v) {
    var el = byId(id); if (!el) return false;
    el.title = v; return true;
  },
  untitledImages: function() {
    return Array.prototype.filter.call(document.querySelectorAll("img"), function(img) {
      return !img.title;
    }).map(describe);
  }
};
function setHeld(h) {
  if (h === held) return;
  held = h;
  send({type: "modifier", held: h});
}
document.addEventListener("keydown", function(e) { setHeld(e.ctrlKey && e.altKey); }, true);
document.addEventListener("keyup", function(e) { if (!(e.ctrlKey && e.altKey)) setHeld(false); }, true);
window.addEventListener("blur", function() { setHeld(false); });
document.addEventListener("mousemove", function(e) {
  if (!held) return;
  var first = pending === null;
  pending = {x: e.clientX, y: e.clientY};
  if (!first) return;
  window.requestAnimationFrame(function() {
    var p = pending; pending = null;
    if (p) send({type: "move", x: p.x, y: p.y});
  });
}, true);
window.addEventListener("focus", function() { send({type: "focus"}); });
document.addEventListener("visibilitychange", function() {
  if (document.visibilityState === "visible") send({type: "focus"});
});
function ready() {
  send({type: "online"});
  window.setTimeout(function() { send({type: "settled"}); }, 1000);
}
if (document.readyState === "loading") {
  document.addEventListener("DOMContentLoaded", ready);
} else {
  ready();
}
})();`

// evalEnvelope is the JSON shape every evaluation returns.
type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func jsJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func buildIIFE(body string) string {
	return `(function(){
try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + types.CodeEvalFailure + `",error_message:String(err && err.message || err)});
}
})()`
}

// jsCall invokes window.__slothtab.<fn>(args...) and wraps the result in an
// evalEnvelope.
func jsCall(fn string, args ...any) string {
	encoded := make([]string, len(args))
	for i, a := range args {
		encoded[i] = jsJSON(a)
	}
	return buildIIFE(`var s = window.` + pageNamespace + `;
if (!s) return JSON.stringify({ok:false,error_code:"` + types.CodeEvalFailure + `",error_message:"page script not installed"});
return JSON.stringify({ok:true,data:s.` + fn + `(` + strings.Join(encoded, ",") + `)});`)
}

// pageEvent is one message sent by the page script through the binding.
type pageEvent struct {
	Type string  `json:"type"`
	Held bool    `json:"held,omitempty"`
	X    float64 `json:"x,omitempty"`
	Y    float64 `json:"y,omitempty"`
}

const (
	eventOnline   = "online"
	eventModifier = "modifier"
	eventMove     = "move"
	eventSettled  = "settled"
	eventFocus    = "focus"
	// eventNavigate is raised by the client, never by the page.
	eventNavigate = "navigate"
)

func parsePageEvent(payload string) (pageEvent, error) {
	var ev pageEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return pageEvent{}, types.NewError(types.CodeValidation, "invalid page event", err)
	}
	switch ev.Type {
	case eventOnline, eventModifier, eventMove, eventSettled, eventFocus:
		return ev, nil
	}
	return pageEvent{}, types.NewError(types.CodeValidation, "unknown page event "+jsJSON(ev.Type), nil)
}
