package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/starford/eihwaz/internal/api"
	"github.com/starford/eihwaz/internal/command"
	"github.com/starford/eihwaz/internal/registry"
	"github.com/starford/eihwaz/internal/testutil"
	"github.com/starford/eihwaz/internal/treeservice"
)

func newServer(t *testing.T, authEnabled bool, token string) (*httptest.Server, *registry.Registry) {
	t.Helper()
	db := testutil.TestDB(t)
	reg := testutil.TestRegistry(t, db)
	proc := command.NewProcessor(db, reg)
	t.Cleanup(proc.Close)
	svc := treeservice.New(db, reg)

	srv := httptest.NewServer(api.NewRouter(proc, svc, reg, authEnabled, token, nil))
	t.Cleanup(srv.Close)
	return srv, reg
}

func postCommand(t *testing.T, srv *httptest.Server, kind string, payload any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(map[string]any{"kind": kind, "payload": json.RawMessage(raw)})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(srv.URL+"/commands", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, out
}

func getJSON(t *testing.T, srv *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newServer(t, true, "secret")

	resp, err := http.Get(srv.URL + "/state")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/state", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/state", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token: status %d", resp.StatusCode)
	}
}

func TestCommandAndQueryRoundTrip(t *testing.T) {
	srv, _ := newServer(t, false, "")

	status, res := postCommand(t, srv, "createTree", map[string]any{"name": "Workspace"})
	if status != http.StatusOK || res["success"] != true {
		t.Fatalf("createTree: %d %v", status, res)
	}
	rootID, _ := res["nodeId"].(string)
	if rootID == "" {
		t.Fatal("createTree returned no node id")
	}

	status, res = postCommand(t, srv, "createNode", map[string]any{
		"id": "t1", "parentId": rootID, "nodeType": "task", "name": "Ship it",
	})
	if status != http.StatusOK || res["success"] != true {
		t.Fatalf("createNode: %d %v", status, res)
	}

	var trees struct {
		Total int `json:"total"`
	}
	if got := getJSON(t, srv, "/trees", &trees); got != http.StatusOK || trees.Total != 1 {
		t.Errorf("/trees: %d %+v", got, trees)
	}

	var node struct {
		Name string `json:"name"`
	}
	if got := getJSON(t, srv, "/nodes/t1", &node); got != http.StatusOK || node.Name != "Ship it" {
		t.Errorf("/nodes/t1: %d %+v", got, node)
	}
	if got := getJSON(t, srv, "/nodes/nope", nil); got != http.StatusNotFound {
		t.Errorf("missing node: %d", got)
	}

	var children struct {
		Total int `json:"total"`
	}
	// Root has the trash node and the task.
	if got := getJSON(t, srv, fmt.Sprintf("/nodes/%s/children", rootID), &children); got != http.StatusOK || children.Total != 2 {
		t.Errorf("children: %d %+v", got, children)
	}

	var search struct {
		Total int `json:"total"`
	}
	if got := getJSON(t, srv, "/search?scope="+rootID+"&q=ship", &search); got != http.StatusOK || search.Total != 1 {
		t.Errorf("search: %d %+v", got, search)
	}
	if got := getJSON(t, srv, "/search", nil); got != http.StatusBadRequest {
		t.Errorf("search without scope: %d", got)
	}

	var entity struct {
		Entity map[string]any `json:"entity"`
	}
	if got := getJSON(t, srv, "/nodes/t1/entity", &entity); got != http.StatusOK || entity.Entity == nil {
		t.Errorf("entity: %d %+v", got, entity)
	}

	var orphans struct {
		Orphans map[string][]string `json:"orphans"`
	}
	if got := getJSON(t, srv, "/orphans", &orphans); got != http.StatusOK || len(orphans.Orphans) != 0 {
		t.Errorf("orphans: %d %+v", got, orphans)
	}
}

func TestUndoRedoEndpoints(t *testing.T) {
	srv, _ := newServer(t, false, "")

	_, res := postCommand(t, srv, "createTree", map[string]any{"name": "W"})
	rootID, _ := res["nodeId"].(string)
	postCommand(t, srv, "createNode", map[string]any{
		"id": "f1", "parentId": rootID, "nodeType": "folder", "name": "Docs",
	})

	var state api.EngineState
	getJSON(t, srv, "/state", &state)
	if !state.CanUndo || state.CanRedo {
		t.Errorf("state after create: %+v", state)
	}

	resp, err := http.Post(srv.URL+"/undo", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("undo: %d", resp.StatusCode)
	}
	if got := getJSON(t, srv, "/nodes/f1", nil); got != http.StatusNotFound {
		t.Errorf("node after undo: %d", got)
	}

	resp, err = http.Post(srv.URL+"/redo", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("redo: %d", resp.StatusCode)
	}
	if got := getJSON(t, srv, "/nodes/f1", nil); got != http.StatusOK {
		t.Errorf("node after redo: %d", got)
	}

	// Nothing left to redo.
	resp, err = http.Post(srv.URL+"/redo", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("exhausted redo: %d", resp.StatusCode)
	}
}

func TestSearchEndpointExcludesTrash(t *testing.T) {
	srv, _ := newServer(t, false, "")

	_, res := postCommand(t, srv, "createTree", map[string]any{"name": "W"})
	rootID, _ := res["nodeId"].(string)
	postCommand(t, srv, "createNode", map[string]any{
		"id": "f1", "parentId": rootID, "nodeType": "folder", "name": "Archive",
	})
	postCommand(t, srv, "deleteNode", map[string]any{"id": "f1"})

	var search struct {
		Total int `json:"total"`
	}
	if got := getJSON(t, srv, "/search?scope="+rootID+"&q=Archive", &search); got != http.StatusOK || search.Total != 0 {
		t.Errorf("trashed node leaked into search: %d %+v", got, search)
	}
	if got := getJSON(t, srv, "/search?scope="+rootID+"&q=Archive&trash=true", &search); got != http.StatusOK || search.Total != 1 {
		t.Errorf("trash=true: %d %+v", got, search)
	}
}

func TestSearchEndpointDepth(t *testing.T) {
	srv, _ := newServer(t, false, "")

	_, res := postCommand(t, srv, "createTree", map[string]any{"name": "W"})
	rootID, _ := res["nodeId"].(string)
	postCommand(t, srv, "createNode", map[string]any{
		"id": "f1", "parentId": rootID, "nodeType": "folder", "name": "Docs",
	})
	postCommand(t, srv, "createNode", map[string]any{
		"id": "f2", "parentId": "f1", "nodeType": "folder", "name": "DocsInner",
	})

	var search struct {
		Total int `json:"total"`
	}
	if got := getJSON(t, srv, "/search?scope="+rootID+"&q=Docs&depth=1", &search); got != http.StatusOK || search.Total != 1 {
		t.Errorf("depth=1: %d %+v", got, search)
	}
	if got := getJSON(t, srv, "/search?scope="+rootID+"&q=Docs", &search); got != http.StatusOK || search.Total != 2 {
		t.Errorf("unbounded: %d %+v", got, search)
	}
}

func TestInvokeMethodEndpoint(t *testing.T) {
	srv, reg := newServer(t, false, "")
	err := reg.Register(registry.Registration{
		Type: registry.TypeConfig{Name: "widget"},
		Methods: map[string]registry.Method{
			"echo": func(_ context.Context, args map[string]any) (any, error) {
				return args["value"], nil
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, res := postCommand(t, srv, "createTree", map[string]any{"name": "W"})
	rootID, _ := res["nodeId"].(string)
	postCommand(t, srv, "createNode", map[string]any{
		"id": "w1", "parentId": rootID, "nodeType": "widget", "name": "Widget",
	})

	resp, err := http.Post(srv.URL+"/nodes/w1/methods/echo", "application/json",
		bytes.NewReader([]byte(`{"value":"pong"}`)))
	if err != nil {
		t.Fatal(err)
	}
	var out api.MethodResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || out.Result != "pong" {
		t.Errorf("echo: %d %+v", resp.StatusCode, out)
	}

	resp, err = http.Post(srv.URL+"/nodes/w1/methods/nope", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown method: %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/nodes/ghost/methods/echo", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown node: %d", resp.StatusCode)
	}
}

func TestSubmitCommandRejectsBadInput(t *testing.T) {
	srv, _ := newServer(t, false, "")

	resp, err := http.Post(srv.URL+"/commands", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/commands", "application/json", bytes.NewReader([]byte(`{"payload":{}}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing kind: %d", resp.StatusCode)
	}

	status, res := postCommand(t, srv, "deleteNode", map[string]any{"id": "ghost"})
	if status != http.StatusNotFound || res["success"] != false {
		t.Errorf("unknown node: %d %v", status, res)
	}
	if res["code"] == "" {
		t.Error("failure without a machine-checkable code")
	}
}
