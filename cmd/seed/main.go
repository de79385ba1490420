// Package main implements a one-shot seed command that creates a user or a
// robot directly in the RoboLink database. It lives inside the server module
// so it can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed --name admin --password secret --role administrator
//	go run ./cmd/seed --robot --name karetao-1 --friendly-name "Karetao" --password secret
//
// Environment variables:
//
//	ROBOLINK_DB_DSN  SQLite file path or Postgres DSN (default: ./robolink.db)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/robolink-io/robolink/internal/auth"
	"github.com/robolink-io/robolink/internal/db"
	"github.com/robolink-io/robolink/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	name := flag.String("name", "", "User name, or robot machine name with --robot (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	role := flag.String("role", "administrator", "Role: student, teacher or administrator")
	robot := flag.Bool("robot", false, "Create a robot instead of a user")
	friendlyName := flag.String("friendly-name", "", "Robot display name (defaults to the machine name)")
	robotType := flag.String("type", "nao", "Robot hardware type")
	flag.Parse()

	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}
	if !*robot && *role != "student" && *role != "teacher" && *role != "administrator" {
		return fmt.Errorf("--role must be 'student', 'teacher' or 'administrator'")
	}

	dsn := envOrDefault("ROBOLINK_DB_DSN", "./robolink.db")

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

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	st := store.New(database)
	ctx := context.Background()

	if *robot {
		friendly := *friendlyName
		if friendly == "" {
			friendly = *name
		}
		record := &db.Robot{
			MachineName:  *name,
			FriendlyName: friendly,
			Type:         *robotType,
			Password:     hashed,
		}
		if err := st.CreateRobot(ctx, record); err != nil {
			return fmt.Errorf("create robot: %w", err)
		}

		fmt.Printf("✓ Robot created\n")
		fmt.Printf("  ID:           %s\n", record.ID)
		fmt.Printf("  Machine name: %s\n", record.MachineName)
		fmt.Printf("  Name:         %s\n", record.FriendlyName)
		return nil
	}

	record := &db.User{
		Name:     *name,
		Password: hashed,
		Role:     *role,
	}
	if err := st.CreateUser(ctx, record); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("✓ User created\n")
	fmt.Printf("  ID:   %s\n", record.ID)
	fmt.Printf("  Name: %s\n", record.Name)
	fmt.Printf("  Role: %s\n", record.Role)
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
