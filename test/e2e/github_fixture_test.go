//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeGitHubAPI serves the OAuth token exchange, the authenticated user endpoint and the
// pull request routes used by ingestion.
type fakeGitHubAPI struct {
	mu sync.Mutex

	server *httptest.Server

	codes     map[string]string
	users     map[string]fixtureUser
	tokens    map[string]bool
	repoData  map[string]map[int]fixturePull
	failures  map[string]*failureRule
	callCount map[string]int
}

type failureRule struct {
	status    int
	remaining int
	body      map[string]string
}

type fixtureUser struct {
	ID        int64
	Login     string
	Name      string
	Email     string
	AvatarURL string
}

type fixturePull struct {
	ID        int64
	Number    int
	Author    string
	State     string
	Merged    bool
	Commits   int
	Additions int
	Deletions int
}

func newFakeGitHubAPI(t *testing.T) *fakeGitHubAPI {
	t.Helper()

	fixture := &fakeGitHubAPI{
		codes:     make(map[string]string),
		users:     make(map[string]fixtureUser),
		tokens:    make(map[string]bool),
		repoData:  make(map[string]map[int]fixturePull),
		failures:  make(map[string]*failureRule),
		callCount: make(map[string]int),
	}
	fixture.server = httptest.NewServer(http.HandlerFunc(fixture.serveHTTP))
	t.Cleanup(fixture.Close)
	return fixture
}

func (f *fakeGitHubAPI) URL() string {
	if f == nil || f.server == nil {
		return ""
	}
	return f.server.URL
}

func (f *fakeGitHubAPI) Close() {
	if f == nil || f.server == nil {
		return
	}
	f.server.Close()
}

// AddUser makes code exchangeable for token, and token resolve to user.
func (f *fakeGitHubAPI) AddUser(code string, token string, user fixtureUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[code] = token
	f.users[token] = user
	f.tokens[token] = true
}

func (f *fakeGitHubAPI) AllowToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = true
}

func (f *fakeGitHubAPI) RevokeToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, token)
}

func (f *fakeGitHubAPI) SetPull(owner string, repo string, pull fixturePull) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := repoKey(owner, repo)
	if f.repoData[key] == nil {
		f.repoData[key] = make(map[int]fixturePull)
	}
	f.repoData[key][pull.Number] = pull
}

func (f *fakeGitHubAPI) FailPath(path string, statusCode int, times int) {
	if f == nil || statusCode <= 0 || times <= 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = &failureRule{
		status:    statusCode,
		remaining: times,
		body: map[string]string{
			"message": fmt.Sprintf("forced failure for %s", path),
		},
	}
}

func (f *fakeGitHubAPI) PathCallCount(path string) int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount[path]
}

func (f *fakeGitHubAPI) serveHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	f.incrementCall(path)

	if f.tryFailPath(path, w) {
		return
	}
	if path == "/login/oauth/access_token" {
		f.handleTokenExchange(w, r)
		return
	}

	token, ok := f.authorized(r)
	if !ok {
		f.writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
		return
	}
	if path == "/user" {
		f.handleUser(w, token)
		return
	}

	segments := splitPath(path)
	if len(segments) >= 4 && segments[0] == "repos" && segments[3] == "pulls" {
		f.handlePullRoutes(w, segments)
		return
	}
	http.NotFound(w, r)
}

func (f *fakeGitHubAPI) incrementCall(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount[path]++
}

func (f *fakeGitHubAPI) tryFailPath(path string, w http.ResponseWriter) bool {
	f.mu.Lock()
	rule, ok := f.failures[path]
	if !ok || rule.remaining <= 0 {
		f.mu.Unlock()
		return false
	}
	rule.remaining--
	status := rule.status
	body := rule.body
	f.mu.Unlock()

	f.writeJSON(w, status, body)
	return true
}

func (f *fakeGitHubAPI) authorized(r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	defer f.mu.Unlock()
	return token, f.tokens[token]
}

func (f *fakeGitHubAPI) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		f.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	f.mu.Lock()
	token, ok := f.codes[r.PostForm.Get("code")]
	f.mu.Unlock()
	if !ok {
		f.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_verification_code"})
		return
	}
	f.writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
		"scope":        "read:user,user:email",
	})
}

func (f *fakeGitHubAPI) handleUser(w http.ResponseWriter, token string) {
	f.mu.Lock()
	user, ok := f.users[token]
	f.mu.Unlock()
	if !ok {
		f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	f.writeJSON(w, http.StatusOK, map[string]any{
		"id":         user.ID,
		"login":      user.Login,
		"name":       user.Name,
		"email":      user.Email,
		"avatar_url": user.AvatarURL,
		"html_url":   "https://github.com/" + user.Login,
	})
}

func (f *fakeGitHubAPI) handlePullRoutes(w http.ResponseWriter, segments []string) {
	key := repoKey(segments[1], segments[2])
	f.mu.Lock()
	pulls, ok := f.repoData[key]
	snapshot := make(map[int]fixturePull, len(pulls))
	for number, pull := range pulls {
		snapshot[number] = pull
	}
	f.mu.Unlock()
	if !ok {
		f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}

	switch len(segments) {
	case 4:
		f.writePullList(w, snapshot)
	case 5:
		number, err := strconv.Atoi(segments[4])
		pull, found := snapshot[number]
		if err != nil || !found {
			f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		f.writePullDetail(w, pull)
	default:
		f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
}

func (f *fakeGitHubAPI) writePullList(w http.ResponseWriter, pulls map[int]fixturePull) {
	payload := make([]map[string]any, 0, len(pulls))
	for _, pull := range pulls {
		if pull.State != "open" {
			continue
		}
		payload = append(payload, map[string]any{
			"id":     pull.ID,
			"number": pull.Number,
			"state":  pull.State,
			"user":   map[string]string{"login": pull.Author},
		})
	}
	f.writeJSON(w, http.StatusOK, payload)
}

func (f *fakeGitHubAPI) writePullDetail(w http.ResponseWriter, pull fixturePull) {
	var mergedAt any
	if pull.Merged {
		mergedAt = "2026-01-02T03:04:05Z"
	}
	f.writeJSON(w, http.StatusOK, map[string]any{
		"id":        pull.ID,
		"number":    pull.Number,
		"state":     pull.State,
		"user":      map[string]string{"login": pull.Author},
		"merged":    pull.Merged,
		"merged_at": mergedAt,
		"commits":   pull.Commits,
		"additions": pull.Additions,
		"deletions": pull.Deletions,
	})
}

func (f *fakeGitHubAPI) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func repoKey(owner string, repo string) string {
	return strings.ToLower(strings.TrimSpace(owner)) + "/" + strings.ToLower(strings.TrimSpace(repo))
}
