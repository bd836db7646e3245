package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtwarden/mtwarden/internal/api/http/dto"
	"github.com/mtwarden/mtwarden/internal/auth"
)

func setupAuthRouter(t *testing.T) *gin.Engine {
	t.Helper()
	hash, err := auth.HashPassword("hunter22")
	require.NoError(t, err)
	svc := auth.NewService(auth.Config{
		Secret:            "test-secret",
		AdminPasswordHash: hash,
		TokenTTL:          time.Hour,
	})

	r := gin.New()
	r.POST("/api/v1/auth/login", NewAuthHandler(svc).Login)
	return r
}

func postLogin(r *gin.Engine, password string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(dto.LoginRequest{Password: password})
	req, _ := http.NewRequest("POST", "/api/v1/auth/login", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLoginSuccess(t *testing.T) {
	r := setupAuthRouter(t)

	w := postLogin(r, "hunter22")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp dto.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	claims, err := auth.ValidateToken("test-secret", resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Role)
}

func TestLoginWrongPassword(t *testing.T) {
	r := setupAuthRouter(t)

	w := postLogin(r, "wrong")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginMissingBody(t *testing.T) {
	r := setupAuthRouter(t)

	req, _ := http.NewRequest("POST", "/api/v1/auth/login", bytes.NewBuffer([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
