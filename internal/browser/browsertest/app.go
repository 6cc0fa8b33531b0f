// internal/browser/browsertest/app.go
// Package browsertest provides a small web application and an engine conformance check
// for tests that drive a real browser. Tests skip when no browser is installed.
package browsertest

import (
	"fmt"
	"html/template"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// RequireChrome returns the path of a local Chrome or Chromium binary and skips the test
// when there is none. TETHER_CHROME overrides the lookup.
func RequireChrome(t testing.TB) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	if p := os.Getenv("TETHER_CHROME"); p != "" {
		return p
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell", "chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no chrome or chromium binary found")
	return ""
}

// App is a tiny people register: an add form with a delayed-enable save button, a list
// with delete confirmation, and a JSON API behind both.
type App struct {
	*httptest.Server

	mu           sync.Mutex
	people       []string
	deleteStatus int
	requests     []string
}

// NewApp starts the application and stops it when the test ends.
func NewApp(t testing.TB) *App {
	t.Helper()
	a := &App{deleteStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/", a.handleList)
	mux.HandleFunc("/list", a.handleList)
	mux.HandleFunc("/person/add", a.handleAdd)
	mux.HandleFunc("/api/person", a.handleCreate)
	mux.HandleFunc("/api/person/kinds", a.handleKinds)
	mux.HandleFunc("/api/delete/", a.handleDelete)
	a.Server = httptest.NewServer(a.record(mux))
	t.Cleanup(a.Close)
	return a
}

// FailDeletes makes the delete API answer with status.
func (a *App) FailDeletes(status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleteStatus = status
}

// People returns the stored surnames.
func (a *App) People() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.people...)
}

// Requests returns "METHOD /path" for every request served so far.
func (a *App) Requests() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.requests...)
}

func (a *App) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.requests = append(a.requests, r.Method+" "+r.URL.Path)
		a.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (a *App) handleList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/list" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = listPage.Execute(w, a.People())
}

func (a *App) handleAdd(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, addPage)
}

func (a *App) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	surname := strings.TrimSpace(r.PostForm.Get("surname"))
	if surname == "" {
		http.Error(w, "surname is required", http.StatusUnprocessableEntity)
		return
	}
	a.mu.Lock()
	a.people = append(a.people, surname)
	id := len(a.people)
	a.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":%d,"surname":%q}`, id, surname)
}

func (a *App) handleKinds(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"kind":%q,"fields":["share"]}`, r.URL.Query().Get("kind"))
}

func (a *App) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/api/delete/"))
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleteStatus != http.StatusOK {
		http.Error(w, "delete failed", a.deleteStatus)
		return
	}
	if err != nil || idx < 1 || idx > len(a.people) {
		http.NotFound(w, r)
		return
	}
	a.people = append(a.people[:idx-1], a.people[idx:]...)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"deleted":true}`)
}

var listPage = template.Must(template.New("list").Parse(`<!doctype html>
<html><head><title>People</title></head>
<body>
<h1>People</h1>
<a href="/person/add" data-testid="add-person">Add person</a>
<ul id="people">
{{range $i, $p := .}}<li>{{$p}} <button data-testid="delete-{{$i}}" onclick="confirmDelete({{$i}})">Delete</button></li>
{{end}}</ul>
<div id="confirm" role="dialog" hidden>
  <p>Delete this person?</p>
  <button data-testid="delete-confirm" onclick="doDelete()">Confirm</button>
</div>
<script>
let pending = -1;
function confirmDelete(i) {
  pending = i + 1;
  document.getElementById('confirm').hidden = false;
}
async function doDelete() {
  const res = await fetch('/api/delete/' + pending, {method: 'POST'});
  if (res.ok) {
    window.location.href = '/list?deleted=' + pending;
  }
}
</script>
</body></html>`))

const addPage = `<!doctype html>
<html><head><title>Add person</title></head>
<body>
<h1>Add person</h1>
<form id="person" onsubmit="return false">
  <label for="surname">Surname</label>
  <input id="surname" name="surname" placeholder="Last name">
  <label for="kind">Kind</label>
  <select id="kind" name="kind" onchange="fetch('/api/person/kinds?kind=' + this.value)">
    <option value="">Choose</option>
    <option value="owner">Owner</option>
    <option value="tenant">Tenant</option>
  </select>
  <button id="save" type="button" disabled>Save</button>
</form>
<p id="status"></p>
<script>
const surname = document.getElementById('surname');
const save = document.getElementById('save');
surname.addEventListener('input', () => {
  save.disabled = true;
  setTimeout(() => { save.disabled = surname.value.trim() === ''; }, 300);
});
save.addEventListener('click', async () => {
  const body = new URLSearchParams({surname: surname.value});
  const res = await fetch('/api/person', {method: 'POST', body});
  if (res.ok) {
    document.getElementById('status').textContent = 'Saved';
    setTimeout(() => { window.location.href = '/list'; }, 200);
  }
});
</script>
</body></html>`
