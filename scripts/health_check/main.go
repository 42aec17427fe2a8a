package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"xtp-bridge/internal/feed"
	"xtp-bridge/pkg/config"
	"xtp-bridge/pkg/db"
	"xtp-bridge/pkg/venue/ws"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("XTP Bridge Health Check")
	fmt.Println("=======================")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{
		Overall: "HEALTHY",
		Services: []HealthStatus{
			checkDatabase(ctx, cfg),
			checkFeedsFile(cfg),
			checkVenue(ctx, cfg),
			checkAPIServer(ctx, cfg),
		},
	}

	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" && report.Overall != "UNHEALTHY" {
			report.Overall = "DEGRADED"
		}
	}

	fmt.Println("Results:")
	fmt.Println("--------")
	for _, svc := range report.Services {
		statusIcon := "✓"
		if svc.Status == "UNHEALTHY" {
			statusIcon = "✗"
		} else if svc.Status == "DEGRADED" {
			statusIcon = "⚠"
		}
		fmt.Printf("%s %-20s %s %s\n", statusIcon, svc.Service, svc.Status, svc.Message)
	}

	fmt.Println()
	fmt.Printf("Overall Status: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		jsonData, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(jsonData))
	}

	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func newStatus(service string) HealthStatus {
	return HealthStatus{Service: service, Status: "HEALTHY", Timestamp: time.Now()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Database")

	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Open failed: %v", err)
		return status
	}
	defer database.Close()

	if err := database.DB.PingContext(ctx); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Ping failed: %v", err)
		return status
	}

	open, err := database.ListOpenOrders(ctx)
	if err != nil {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("Schema not ready: %v", err)
		return status
	}
	status.Message = fmt.Sprintf("Connected (%s, %d open orders)", cfg.DBPath, len(open))
	return status
}

func checkFeedsFile(cfg *config.Config) HealthStatus {
	status := newStatus("Feeds file")
	if cfg.FeedsFile == "" {
		status.Message = "None configured"
		return status
	}
	subs, err := feed.LoadFeeds(cfg.FeedsFile, feed.DefaultReconnectPolicy())
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return status
	}
	status.Message = fmt.Sprintf("%d feeds", len(subs))
	return status
}

func checkVenue(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Venue")
	if cfg.UseMockVenue {
		status.Status = "DEGRADED"
		status.Message = "Synthetic venue configured"
		return status
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.VenueCommandTimeout)
	defer cancel()
	start := time.Now()
	client, err := ws.Dial(dialCtx, ws.Config{
		URL:            cfg.VenueURL,
		User:           cfg.VenueUser,
		Password:       cfg.VenuePassword,
		ClientID:       cfg.VenueClientID,
		CommandTimeout: cfg.VenueCommandTimeout,
	})
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Login failed: %v", err)
		return status
	}
	defer client.Close()

	positions, err := client.QueryPositions(dialCtx)
	if err != nil {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("Logged in, position query failed: %v", err)
		return status
	}
	status.Message = fmt.Sprintf("Logged in to %s in %s (%d positions)", cfg.VenueURL, time.Since(start).Round(time.Millisecond), len(positions))
	return status
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Admin API")

	url := fmt.Sprintf("http://localhost:%s/health", cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return status
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}

	status.Message = "Running"
	return status
}
