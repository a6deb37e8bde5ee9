package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/kasugatakuya/band-store/models"
)

func setupAuthTest(t *testing.T) (*AuthHandler, sqlmock.Sqlmock, *gin.Engine) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	handler := NewAuthHandler(db, []byte("test-secret"), logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/auth/register", handler.Register)
	router.POST("/auth/login", handler.Login)

	return handler, mock, router
}

func TestAuthHandler_Register_Success(t *testing.T) {
	handler, mock, router := setupAuthTest(t)
	defer handler.db.Close()

	// Mock: Check if user exists (should return no rows)
	mock.ExpectQuery("SELECT id FROM users WHERE email = \\$1").
		WithArgs("hanako@example.com").
		WillReturnError(sql.ErrNoRows)

	// Mock: Insert user
	mock.ExpectQuery("INSERT INTO users").
		WithArgs("Yamada Hanako", "hanako@example.com", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "role", "created_at"}).
			AddRow(1, "Yamada Hanako", "hanako@example.com", "USER", time.Now()))

	reqBody := models.RegisterRequest{
		Name:     "Yamada Hanako",
		Email:    "hanako@example.com",
		Password: "password123",
	}

	body, _ := json.Marshal(reqBody)
	req := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("Expected status %d, got %d", http.StatusCreated, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestAuthHandler_Register_UserExists(t *testing.T) {
	handler, mock, router := setupAuthTest(t)
	defer handler.db.Close()

	// Mock: User already exists
	mock.ExpectQuery("SELECT id FROM users WHERE email = \\$1").
		WithArgs("hanako@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	reqBody := models.RegisterRequest{
		Name:     "Yamada Hanako",
		Email:    "hanako@example.com",
		Password: "password123",
	}

	body, _ := json.Marshal(reqBody)
	req := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status %d, got %d", http.StatusConflict, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestAuthHandler_Register_InvalidBody(t *testing.T) {
	handler, _, router := setupAuthTest(t)
	defer handler.db.Close()

	// Password below the minimum length never reaches the database.
	req := httptest.NewRequest("POST", "/auth/register",
		bytes.NewBufferString(`{"name":"X","email":"x@example.com","password":"short"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestAuthHandler_Login_Success(t *testing.T) {
	handler, mock, router := setupAuthTest(t)
	defer handler.db.Close()

	hashed, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)

	mock.ExpectQuery("SELECT id, name, email, password_hash, role, created_at FROM users WHERE email = \\$1").
		WithArgs("hanako@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "password_hash", "role", "created_at"}).
			AddRow(1, "Yamada Hanako", "hanako@example.com", string(hashed), "USER", time.Now()))

	reqBody := models.LoginRequest{
		Email:    "hanako@example.com",
		Password: "password123",
	}

	body, _ := json.Marshal(reqBody)
	req := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp models.LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Token == "" {
		t.Error("Expected a JWT in the response")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestAuthHandler_Login_WrongPassword(t *testing.T) {
	handler, mock, router := setupAuthTest(t)
	defer handler.db.Close()

	hashed, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)

	mock.ExpectQuery("SELECT id, name, email, password_hash, role, created_at FROM users WHERE email = \\$1").
		WithArgs("hanako@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "password_hash", "role", "created_at"}).
			AddRow(1, "Yamada Hanako", "hanako@example.com", string(hashed), "USER", time.Now()))

	reqBody := models.LoginRequest{
		Email:    "hanako@example.com",
		Password: "wrong-password",
	}

	body, _ := json.Marshal(reqBody)
	req := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestAuthHandler_Login_UnknownUser(t *testing.T) {
	handler, mock, router := setupAuthTest(t)
	defer handler.db.Close()

	mock.ExpectQuery("SELECT id, name, email, password_hash, role, created_at FROM users WHERE email = \\$1").
		WithArgs("nobody@example.com").
		WillReturnError(sql.ErrNoRows)

	reqBody := models.LoginRequest{
		Email:    "nobody@example.com",
		Password: "password123",
	}

	body, _ := json.Marshal(reqBody)
	req := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}
