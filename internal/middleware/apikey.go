package middleware

import (
	"crypto/hmac"
	"net/http"
	"strings"
)

// APIKeyMiddleware проверяет заголовок Authorization вида "Apikey <ключ>".
// Банковский webhook не несёт криптографической подписи, и ключ — единственная
// проверка отправителя на этом маршруте.
func APIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			got, ok := strings.CutPrefix(header, "Apikey ")
			if !ok || !hmac.Equal([]byte(got), []byte(apiKey)) {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
