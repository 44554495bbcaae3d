package router

import (
	"reflect"
	"testing"
)

// TestRadixRouterBasic tests basic static routing
func TestRadixRouterBasic(t *testing.T) {
	router := NewRadixRouter[string]()
	router.Add("GET", "/", "root")
	router.Add("GET", "/hello", "hello")
	router.Add("GET", "/hello/world", "world")
	router.Add("GET", "/hello/", "hello-slash")

	tests := []struct {
		path string
		want string
	}{
		{"/", "root"},
		{"/hello", "hello"},
		{"/hello/world", "world"},
		{"/hello/", "hello-slash"},
		{"/notfound", ""},
		{"/hello/world/deeper", ""},
	}

	for _, tt := range tests {
		h, _, res, _ := router.Find("GET", tt.path)
		if tt.want == "" {
			if res != NotFound {
				t.Errorf("Path %s: expected not found, got %q", tt.path, h)
			}
			continue
		}
		if res != Found || h != tt.want {
			t.Errorf("Path %s: expected %q, got %q (result %d)", tt.path, tt.want, h, res)
		}
	}
}

// TestRadixRouterPriority tests route priority (exact > param > catch-all)
func TestRadixRouterPriority(t *testing.T) {
	router := NewRadixRouter[string]()
	router.Add("GET", "/user/admin", "exact")
	router.Add("GET", "/user/:id", "param")
	router.Add("GET", "/user/:id/posts", "posts")
	router.Add("GET", "/user/admin/settings", "settings")
	router.Add("GET", "/files/*path", "files")

	tests := []struct {
		path   string
		want   string
		params []Param
	}{
		{"/user/admin", "exact", nil},
		{"/user/123", "param", []Param{{"id", "123"}}},
		{"/user/admin/posts", "posts", []Param{{"id", "admin"}}},
		{"/user/admin/settings", "settings", nil},
		{"/files/a/b/c.txt", "files", []Param{{"path", "a/b/c.txt"}}},
		{"/files/", "files", []Param{{"path", ""}}},
	}

	for _, tt := range tests {
		h, params, res, _ := router.Find("GET", tt.path)
		if res != Found || h != tt.want {
			t.Errorf("Path %s: expected %q, got %q", tt.path, tt.want, h)
			continue
		}
		if !reflect.DeepEqual(params, tt.params) {
			t.Errorf("Path %s: expected params %v, got %v", tt.path, tt.params, params)
		}
	}

	if _, _, res, _ := router.Find("GET", "/user/"); res != NotFound {
		t.Errorf("empty parameter must not match")
	}
}

func TestRadixRouterMethodNotAllowed(t *testing.T) {
	router := NewRadixRouter[string]()
	router.Add("GET", "/items/:id", "get")
	router.Add("DELETE", "/items/:id", "delete")
	router.Add("POST", "/items", "create")

	h, _, res, _ := router.Find("HEAD", "/items/7")
	if res != Found || h != "get" {
		t.Errorf("HEAD should fall back to GET, got %q", h)
	}

	_, _, res, allow := router.Find("PUT", "/items/7")
	if res != MethodNotAllowed {
		t.Fatalf("expected MethodNotAllowed, got %d", res)
	}
	if want := []string{"DELETE", "GET", "HEAD"}; !reflect.DeepEqual(allow, want) {
		t.Errorf("expected Allow %v, got %v", want, allow)
	}

	_, _, res, allow = router.Find("GET", "/items")
	if res != MethodNotAllowed || !reflect.DeepEqual(allow, []string{"POST"}) {
		t.Errorf("expected POST only, got %v", allow)
	}
}

func TestRadixRouterLookupPattern(t *testing.T) {
	router := NewRadixRouter[string]()
	router.Add("GET", "/user/:id/posts", "posts")
	router.Add("POST", "/files/*path", "upload")

	if m := router.Lookup("GET", "/user/9/posts"); m.Pattern != "/user/:id/posts" || m.Result != Found {
		t.Errorf("expected /user/:id/posts, got %q (result %d)", m.Pattern, m.Result)
	}
	if m := router.Lookup("GET", "/files/a/b"); m.Pattern != "/files/*path" || m.Result != MethodNotAllowed {
		t.Errorf("expected 405 on /files/*path, got %q (result %d)", m.Pattern, m.Result)
	}
	if m := router.Lookup("GET", "/nope"); m.Pattern != "" || m.Result != NotFound {
		t.Errorf("expected not found, got %q", m.Pattern)
	}
}

func TestRadixRouterPanics(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
	}{
		{"relative", "items"},
		{"unnamed param", "/items/:"},
		{"catch-all not last", "/files/*path/x"},
		{"two wildcards", "/a/:b:c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("pattern %q should panic", tt.pattern)
				}
			}()
			NewRadixRouter[int]().Add("GET", tt.pattern, 1)
		})
	}

	defer func() {
		if recover() == nil {
			t.Errorf("conflicting parameter names should panic")
		}
	}()
	r := NewRadixRouter[int]()
	r.Add("GET", "/u/:id", 1)
	r.Add("GET", "/u/:name/x", 2)
}

func TestRadixRouterRoutes(t *testing.T) {
	router := NewRadixRouter[int]()
	router.Add("POST", "/b", 1)
	router.Add("GET", "/a/:id", 2)

	want := []Route{
		{Pattern: "/a/:id", Methods: []string{"GET", "HEAD"}},
		{Pattern: "/b", Methods: []string{"POST"}},
	}
	if got := router.Routes(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

// Benchmarks
func BenchmarkRadixRouterStatic(b *testing.B) {
	router := NewRadixRouter[int]()
	router.Add("GET", "/hello/world", 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		router.Find("GET", "/hello/world")
	}
}

func BenchmarkRadixRouterParam(b *testing.B) {
	router := NewRadixRouter[int]()
	router.Add("GET", "/user/:id/posts/:post", 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		router.Find("GET", "/user/42/posts/7")
	}
}
