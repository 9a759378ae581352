package frontend

import (
	"context"
	"io"

	"github.com/a-h/templ"
)

// ConsolePage is a small operator page that opens an SSE stream with a pasted
// access token and prints every event it receives.
func ConsolePage(title string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!DOCTYPE html><html lang="en"><head><meta charset="utf-8"><title>`); err != nil {
			return err
		}
		if _, err := io.WriteString(w, templ.EscapeString(title)); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `</title><link rel="stylesheet" href="/static/styles.css"></head><body>`); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `<h1>`+templ.EscapeString(title)+`</h1>`); err != nil {
			return err
		}
		_, err := io.WriteString(w, consoleBody)
		return err
	})
}

const consoleBody = `<p class="subtitle">Paste an access token to watch its live event stream.</p>
<form class="connect" id="connect">
<input id="token" name="token" placeholder="access token" autocomplete="off">
<button type="submit">Connect</button>
</form>
<div id="status">disconnected</div>
<ul id="events"></ul>
<script>
(function () {
  var source = null;
  var status = document.getElementById('status');
  var list = document.getElementById('events');
  document.getElementById('connect').addEventListener('submit', function (evt) {
    evt.preventDefault();
    if (source) { source.close(); }
    var token = document.getElementById('token').value.trim();
    source = new EventSource('/events?token=' + encodeURIComponent(token));
    status.textContent = 'connecting';
    source.onopen = function () { status.textContent = 'connected'; };
    source.onerror = function () { status.textContent = 'disconnected'; };
    source.onmessage = function (msg) {
      var item = document.createElement('li');
      try {
        var event = JSON.parse(msg.data);
        if (event.entity === 'system') { item.className = 'system'; }
      } catch (e) {}
      item.textContent = msg.data;
      list.insertBefore(item, list.firstChild);
    };
  });
})();
</script>
</body></html>`
