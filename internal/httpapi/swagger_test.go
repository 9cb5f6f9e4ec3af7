//go:build swagger

package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestMountSwaggerServesGeneratedDoc(t *testing.T) {
	r := chi.NewRouter()
	MountSwagger(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	for _, want := range []string{`"/api/predict/"`, `"/api/auto/lighting"`, `"types.FlagRequest"`} {
		if !strings.Contains(w.Body.String(), want) {
			t.Fatalf("doc.json missing %s", want)
		}
	}
}
