package frontend

import (
	"context"
	"fmt"
	"html"
	"io"

	"github.com/a-h/templ"

	"github.com/lems-live/project/internal/contracts"
)

func page(title, body string) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s</title>
<link rel="stylesheet" href="/static/styles.css">
</head>
<body>
%s
</body>
</html>`, html.EscapeString(title), body)
		return err
	})
}

// LoginPage is the volunteer sign-in form. The script exchanges the
// credentials for a token and stores it for the board pages.
func LoginPage() templ.Component {
	return page("LEMS Live - Sign In", `<main class="auth">
<h1>LEMS Live</h1>
<form id="login-form" class="card">
<label>Username<input type="text" name="username" autocomplete="username" required></label>
<label>Password<input type="password" name="password" autocomplete="current-password" required></label>
<button type="submit">Sign in</button>
<p id="login-error" class="error" hidden></p>
</form>
<script>
document.getElementById("login-form").addEventListener("submit", async (e) => {
  e.preventDefault();
  const form = new FormData(e.target);
  const res = await fetch("/api/v1/auth/login", {
    method: "POST",
    headers: {"Content-Type": "application/json"},
    body: JSON.stringify({username: form.get("username"), password: form.get("password")}),
  });
  const errEl = document.getElementById("login-error");
  if (!res.ok) {
    errEl.textContent = "Sign-in failed";
    errEl.hidden = false;
    return;
  }
  const body = await res.json();
  sessionStorage.setItem("lems_token", body.access_token);
  window.location.href = "/board";
});
</script>
</main>`)
}

// BoardPage renders the live division board. It loads the projection
// snapshot, then follows the event stream from the snapshot's seq.
func BoardPage() templ.Component {
	return page("LEMS Live - Division Board", `<main class="board">
<header>
<h1>Division Board</h1>
<label>Division <input id="division" type="text" value="div-1"></label>
<button id="connect">Connect</button>
<span id="stream-state" class="badge">disconnected</span>
</header>
<section class="card">
<h2>Field</h2>
<dl>
<dt>Loaded match</dt><dd id="loaded-match">-</dd>
<dt>Active match</dt><dd id="active-match">-</dd>
<dt>Audience display</dt><dd id="active-display">-</dd>
</dl>
</section>
<section class="card">
<h2>Event feed</h2>
<ul id="feed"></ul>
</section>
<script>
let source = null;
document.getElementById("connect").addEventListener("click", async () => {
  const token = sessionStorage.getItem("lems_token");
  if (!token) { window.location.href = "/"; return; }
  const division = document.getElementById("division").value;
  const res = await fetch("/api/v1/divisions/" + encodeURIComponent(division) + "/state", {
    headers: {"Authorization": "Bearer " + token},
  });
  if (!res.ok) { document.getElementById("stream-state").textContent = "error " + res.status; return; }
  const state = await res.json();
  document.getElementById("loaded-match").textContent = state.field.loaded_match || "-";
  document.getElementById("active-match").textContent = state.field.active_match || "-";
  document.getElementById("active-display").textContent = state.audience_display.active_display || "-";
  if (source) source.close();
  source = new EventSource("/events?division_id=" + encodeURIComponent(division) +
    "&from=" + state.last_seq + "&token=" + encodeURIComponent(token));
  const stateEl = document.getElementById("stream-state");
  source.onopen = () => { stateEl.textContent = "live"; };
  source.onerror = () => { stateEl.textContent = "reconnecting"; };
  source.addEventListener("division-event", (e) => {
    const ev = JSON.parse(e.data);
    const li = document.createElement("li");
    li.textContent = "#" + ev.seq + " " + ev.type + " " + ev.aggregate_id;
    const feed = document.getElementById("feed");
    feed.prepend(li);
    while (feed.children.length > 50) feed.removeChild(feed.lastChild);
    applyEvent(ev);
  });
  source.addEventListener("resync", () => { stateEl.textContent = "resync required"; });
});
function applyEvent(ev) {
  if (ev.aggregate_kind === "match") {
    const m = ev.data;
    if (m.loaded) document.getElementById("loaded-match").textContent = m.id;
    else if (document.getElementById("loaded-match").textContent === m.id) document.getElementById("loaded-match").textContent = "-";
    if (m.active) document.getElementById("active-match").textContent = m.id;
    else if (document.getElementById("active-match").textContent === m.id) document.getElementById("active-match").textContent = "-";
  }
  if (ev.aggregate_kind === "divisionDisplay") {
    document.getElementById("active-display").textContent = ev.data.active_display;
  }
}
</script>
</main>`)
}

// EventItem renders a single feed entry for server-rendered fragments.
func EventItem(ev contracts.Event) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<li class="event"><span class="seq">#%d</span> <span class="type">%s</span> <span class="aggregate">%s</span></li>`,
			ev.Seq,
			html.EscapeString(ev.Type),
			html.EscapeString(ev.AggregateID),
		)
		return err
	})
}
