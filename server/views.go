package server

import (
	"bytes"
	"html/template"

	"github.com/onnwee/chatroom/chat"
)

var views = template.Must(template.New("views").Funcs(template.FuncMap{
	"deref": func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	},
	"screen": func(v chat.AppView) string { return v.Screen().String() },
}).Parse(pageTemplate))

const pageTemplate = `{{define "page"}}<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Chat App</title>
<style>
body { margin: 0; font-family: sans-serif; background: #282c34; color: #fff; }
.App { max-width: 728px; margin: 0 auto; display: flex; flex-direction: column; min-height: 100vh; }
header { display: flex; justify-content: space-between; align-items: center; padding: 0 1rem; background: #181717; }
main { flex: 1; padding: 1rem; overflow-y: auto; }
.message { display: flex; align-items: center; margin: .5rem 0; }
.message img { width: 32px; height: 32px; border-radius: 50%; margin: 0 .5rem; }
.message p { padding: .5rem 1rem; border-radius: 1rem; margin: 0; }
.sent { flex-direction: row-reverse; }
.sent p { background: #0b93f6; }
.received p { background: #3a3a3a; }
form.composer { display: flex; }
form.composer input { flex: 1; padding: .75rem; font-size: 1rem; }
.error { color: #ff6b6b; padding: .5rem 1rem; }
.loading { padding: 1rem; }
</style>
</head>
<body>
<div class="App" id="app">{{template "body" .}}</div>
<script>
(function () {
  var app = document.getElementById('app');
  function toggle(input) {
    var b = input.form && input.form.querySelector('button');
    if (b) b.disabled = !input.value.trim();
  }
  function draftInput() { return app.querySelector('input[name=text]'); }
  var es = new EventSource('/events');
  es.addEventListener('render', function (e) {
    var old = draftInput();
    var typed = old ? old.value : null;
    var focused = old && document.activeElement === old;
    var prevDraft = old ? old.getAttribute('data-draft') : null;
    app.innerHTML = e.data;
    var cur = draftInput();
    if (cur && typed !== null && cur.getAttribute('data-draft') === prevDraft) {
      cur.value = typed;
    }
    if (cur) {
      toggle(cur);
      if (focused && !cur.disabled) cur.focus();
    }
  });
  es.addEventListener('scroll', function () {
    var end = document.getElementById('end');
    if (end) end.scrollIntoView({ behavior: 'smooth' });
  });
  app.addEventListener('input', function (e) {
    if (e.target.name === 'text') toggle(e.target);
  });
  app.addEventListener('submit', function (e) {
    if (e.target.getAttribute('action') !== '/messages') return;
    e.preventDefault();
    var input = draftInput();
    if (!input || !input.value.trim()) return;
    fetch('/messages', {
      method: 'POST',
      credentials: 'same-origin',
      headers: { 'Content-Type': 'application/json', 'Accept': 'application/json' },
      body: JSON.stringify({ text: input.value })
    });
  });
})();
</script>
</body>
</html>{{end}}

{{define "body"}}{{$screen := screen .}}
{{- if eq $screen "loading"}}<div class="loading">Loading...</div>
{{- else if eq $screen "fatal"}}<div class="error">Error: {{.Session.Fatal}}</div>
{{- else}}
<header>
<h1>Chat App</h1>
{{- if .Room}}
<form method="post" action="/signout"><button class="sign-out-button" {{if .Session.SigningOut}}disabled{{end}}>{{if .Session.SigningOut}}Signing out...{{else}}Sign Out{{end}}</button></form>
{{- end}}
</header>
<section>
{{- with .Session.AuthError}}
<div class="error">{{.}}</div>
{{- end}}
{{- if .Room}}{{template "room" .Room}}
{{- else}}
<form method="post" action="/signin"><button class="sign-in-button" {{if .Session.SigningIn}}disabled{{end}}>{{if .Session.SigningIn}}Signing in...{{else}}Sign in with Google{{end}}</button></form>
{{- if .Session.SigningIn}}
<form method="post" action="/signin/cancel"><button class="cancel-button">Cancel</button></form>
{{- end}}
{{- end}}
</section>
{{- end}}{{end}}

{{define "room"}}
{{- if eq .Feed.State.String "loading"}}<div class="loading">Loading messages...</div>
{{- else if eq .Feed.State.String "error"}}<div class="error">Error loading messages: {{.Feed.Err}}</div>
{{- else}}
<main>
{{- with .Composer.Err}}
<div class="error">{{.}}</div>
{{- end}}
{{- range .Items}}
<div class="message {{.Class}}">{{with .PhotoURL}}<img src="{{deref .}}" alt="">{{end}}<p>{{.Text}}</p></div>
{{- end}}
<span id="end"></span>
</main>
<form class="composer" method="post" action="/messages">
<input name="text" value="{{.Composer.Draft}}" data-draft="{{.Composer.Draft}}" placeholder="Say something...." autocomplete="off" {{if .Composer.Sending}}disabled{{end}}>
<button type="submit" {{if not .Composer.CanSubmit}}disabled{{end}}>{{if .Composer.Sending}}...{{else}}🕊️{{end}}</button>
</form>
{{- end}}{{end}}`

// renderPage renders the full document for v.
func renderPage(v chat.AppView) ([]byte, error) {
	var buf bytes.Buffer
	if err := views.ExecuteTemplate(&buf, "page", v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// renderBody renders the contents of the app container for v.
func renderBody(v chat.AppView) ([]byte, error) {
	var buf bytes.Buffer
	if err := views.ExecuteTemplate(&buf, "body", v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
