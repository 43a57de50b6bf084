package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tpcell/attempt-runner/internal/config"
	"github.com/tpcell/attempt-runner/internal/logger"
	"github.com/tpcell/attempt-runner/internal/service"
)

// issue-token prints a token signed with JWT_SECRET for local testing
// against the attempt API without a running portal login.
func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	authService := service.NewAuthService(cfg)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Issue Development Token ===")

	// User ID
	fmt.Print("Enter User ID: ")
	userID, _ := reader.ReadString('\n')
	userID = strings.TrimSpace(userID)
	if userID == "" {
		fmt.Println("Error: User ID is required")
		return
	}

	// Role
	fmt.Print("Enter Role [student/tpo/admin] (default student): ")
	roleStr, _ := reader.ReadString('\n')
	role := service.TokenType(strings.ToLower(strings.TrimSpace(roleStr)))
	switch role {
	case "":
		role = service.TokenTypeStudent
	case service.TokenTypeStudent, service.TokenTypeTPO, service.TokenTypeAdmin:
	default:
		fmt.Printf("Error: unknown role %q\n", role)
		return
	}

	// Lifetime
	fmt.Print("Enter lifetime in hours (default 8): ")
	hoursStr, _ := reader.ReadString('\n')
	hoursStr = strings.TrimSpace(hoursStr)
	hours := 8
	if hoursStr != "" {
		h, err := strconv.Atoi(hoursStr)
		if err != nil || h <= 0 {
			fmt.Println("Error: lifetime must be a positive number")
			return
		}
		hours = h
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	token, err := authService.IssueToken(userID, role, time.Duration(hours)*time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}

	fmt.Printf("\n%s token for '%s' (valid %dh):\n%s\n", role, userID, hours, token)
}
