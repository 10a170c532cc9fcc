// Package main implements a one-shot seed command that creates a user and an
// API key directly in the fleet console database. It lives inside the server
// module so it can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --email admin@example.com \
//	  --name "Admin User" \
//	  --role ADMIN
//
// The generated API key is printed once and stored only as a SHA-256 hash.
//
// Environment variables:
//
//	FLEETCONSOLE_DB_DSN      SQLite file path or Postgres DSN (default: ./fleetconsole.db)
//	FLEETCONSOLE_SECRET_KEY  Master encryption key, must match the value used by the server
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/gateway"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ────────────────────────────────────────────────────────────────

	email := flag.String("email", "", "User email (required)")
	name := flag.String("name", "Admin User", "Display name")
	role := flag.String("role", gateway.RoleAdmin, "Role: ADMIN, OPERATOR, DEVELOPER or VIEWER")
	keyName := flag.String("key-name", "seed key", "Name of the generated API key")
	flag.Parse()

	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	switch *role {
	case gateway.RoleAdmin, gateway.RoleOperator, gateway.RoleDeveloper, gateway.RoleViewer:
	default:
		return fmt.Errorf("--role must be ADMIN, OPERATOR, DEVELOPER or VIEWER")
	}

	// ─── Config ───────────────────────────────────────────────────────────────

	dsn := envOrDefault("FLEETCONSOLE_DB_DSN", "./fleetconsole.db")

	secretKey := os.Getenv("FLEETCONSOLE_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"FLEETCONSOLE_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise vault\n" +
				"  secrets written later will be unreadable.",
		)
	}

	// ─── Encryption ───────────────────────────────────────────────────────────

	// InitEncryption must be called before any DB operation so that
	// EncryptedString fields are encoded correctly on write.
	if err := db.InitEncryption([]byte(secretKey)); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// ─── Create user ──────────────────────────────────────────────────────────

	userRepo := repositories.NewUserRepository(database)

	user := &db.User{
		Email:       *email,
		DisplayName: *name,
		Role:        *role,
		IsActive:    true,
	}

	if err := userRepo.Create(context.Background(), user); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("a user with email %q already exists", *email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	// ─── Create API key ───────────────────────────────────────────────────────

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate api key: %w", err)
	}
	apiKey := "fc_" + hex.EncodeToString(raw)

	keyRepo := repositories.NewApiKeyRepository(database)
	key := &db.ApiKey{
		OwnerUserID: user.ID,
		Name:        *keyName,
		Hash:        gateway.HashKey(apiKey),
	}
	if err := keyRepo.Create(context.Background(), key); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Printf("✓ User created\n")
	fmt.Printf("  ID:    %s\n", user.ID)
	fmt.Printf("  Email: %s\n", user.Email)
	fmt.Printf("  Name:  %s\n", user.DisplayName)
	fmt.Printf("  Role:  %s\n", user.Role)
	fmt.Printf("✓ API key created (shown once, store it now)\n")
	fmt.Printf("  Key:   %s\n", apiKey)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
