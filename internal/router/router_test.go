package router

import (
	"testing"
	"time"

	"github.com/fabian4/gateway-dispatch-go/internal/model"
)

func mustRegister(t *testing.T, tb *Table, routes ...model.Route) {
	t.Helper()
	for _, r := range routes {
		if err := tb.Register(r); err != nil {
			t.Fatalf("register %s: %v", r.Key(), err)
		}
	}
}

func TestResolve_ExactBeforePattern(t *testing.T) {
	tb := New()
	mustRegister(t, tb,
		model.Route{Name: "param", Method: "GET", PathPattern: "/users/:id", Service: "users"},
		model.Route{Name: "exact", Method: "GET", PathPattern: "/users/me", Service: "profile"},
	)

	r, _, err := tb.Resolve("GET", "/users/me")
	if err != nil || r.Service != "profile" {
		t.Fatalf("want exact match profile, got %+v err=%v", r, err)
	}
	r, p, err := tb.Resolve("GET", "/users/42")
	if err != nil || r.Service != "users" {
		t.Fatalf("want pattern match users, got %+v err=%v", r, err)
	}
	if p["id"] != "42" {
		t.Fatalf("want id=42 captured, got %v", p)
	}
}

func TestResolve_ParamMatchesSingleSegment(t *testing.T) {
	tb := New()
	mustRegister(t, tb, model.Route{Name: "u", Method: "GET", PathPattern: "/users/:id", Service: "users"})

	if _, _, err := tb.Resolve("GET", "/users/42/extra"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound for extra segment, got %v", err)
	}
	if _, _, err := tb.Resolve("POST", "/users/42"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound for wrong method, got %v", err)
	}
}

func TestResolve_RegistrationOrderWins(t *testing.T) {
	tb := New()
	mustRegister(t, tb,
		model.Route{Name: "first", Method: "GET", PathPattern: "/items/:id", Service: "a"},
		model.Route{Name: "second", Method: "GET", PathPattern: "/:collection/:id", Service: "b"},
	)
	r, _, err := tb.Resolve("GET", "/items/7")
	if err != nil || r.Service != "a" {
		t.Fatalf("want first registered pattern, got %+v err=%v", r, err)
	}
}

func TestResolve_VersionFallback(t *testing.T) {
	tb := New()
	mustRegister(t, tb, model.Route{
		Name: "res", Method: "GET", PathPattern: "/reservations/:id",
		Service: "reservations", Timeout: 2 * time.Second,
	})

	r, p, err := tb.Resolve("GET", "/v2/reservations/9")
	if err != nil {
		t.Fatalf("want fallback to unversioned route, got %v", err)
	}
	if r.Service != "reservations" || p["id"] != "9" {
		t.Fatalf("unexpected fallback result %+v %v", r, p)
	}

	// fallback retries once, it must not loop or match nonsense
	if _, _, err := tb.Resolve("GET", "/v2/v2/reservations/9"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound for double version prefix, got %v", err)
	}
}

func TestRegister_DuplicateExactKey(t *testing.T) {
	tb := New()
	mustRegister(t, tb, model.Route{Name: "a", Method: "GET", PathPattern: "/x", Service: "s"})
	if err := tb.Register(model.Route{Name: "b", Method: "GET", PathPattern: "/x", Service: "s"}); err == nil {
		t.Fatal("want duplicate registration error")
	}
}
