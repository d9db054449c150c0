package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"outbound-caller/internal/auth"

	"github.com/gin-gonic/gin"
)

func serveAs(role string, allowed ...string) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), auth.Identity{UserID: "u", Role: role})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serveAs(RoleSuperAdmin, RoleOwner); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_AnalystCannotWrite(t *testing.T) {
	if code := serveAs(RoleAnalyst, Writers...); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serveAs(RoleAnalyst, Readers...); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := serveAs(RoleOperator, Writers...); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_RoleRequired(t *testing.T) {
	if code := serveAs("", RoleOwner); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRequireAnyRole_OwnersOnly(t *testing.T) {
	if code := serveAs(RoleOperator, Owners...); code != 403 {
		t.Fatalf("expected 403 for operator, got %d", code)
	}
	if code := serveAs(RoleOwner, Owners...); code != 200 {
		t.Fatalf("expected 200 for owner, got %d", code)
	}
}

func TestAllowed(t *testing.T) {
	if Allowed("janitor", Readers...) {
		t.Fatalf("unknown role must not pass")
	}
	if !Allowed(RoleSuperAdmin) {
		t.Fatalf("super_admin passes an empty allow list")
	}
}
