package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campusattend/internal/config"
	"campusattend/internal/geofence"
)

// Agent runs on the student's machine: it acquires the device position from a
// companion location daemon and posts a geofence check-in to the API. In
// watch mode it keeps the position fresh and re-posts on every refresh, which
// the server treats as an idempotent overwrite.
func main() {
	cfg := config.Load()
	if cfg.AgentToken == "" || cfg.AgentClassID == "" || cfg.AgentDeviceID == "" {
		log.Fatal("AGENT_TOKEN, AGENT_CLASS_ID and AGENT_DEVICE_ID are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	provider := geofence.NewHTTPProvider(cfg.AgentLocationURL)
	locator := geofence.NewLocator(provider, geofence.LocatorConfig{
		Options:      geofence.Options{HighAccuracy: true, Timeout: 10 * time.Second, MaxAge: 30 * time.Second},
		Retries:      cfg.LocationRetries,
		RetryDelay:   cfg.LocationRetryDelay,
		RefreshEvery: cfg.LocationRefresh,
	})
	defer locator.Stop()

	if !cfg.AgentWatch {
		sample, err := locator.Acquire(ctx)
		if err != nil {
			log.Fatalf("location acquisition failed: %v", err)
		}
		if err := postCheckIn(ctx, cfg, sample); err != nil {
			log.Fatalf("check-in failed: %v", err)
		}
		return
	}

	for update := range locator.Watch(ctx) {
		if update.Err != nil {
			var gerr *geofence.Error
			if errors.As(update.Err, &gerr) && gerr.Code == geofence.CodePermissionDenied {
				log.Fatalf("location permission denied, enable it and restart: %v", update.Err)
			}
			log.Printf("location acquisition failed: %v", update.Err)
			continue
		}
		if err := postCheckIn(ctx, cfg, update.Sample); err != nil {
			log.Printf("check-in failed: %v", err)
		}
	}
}

func postCheckIn(ctx context.Context, cfg config.App, sample geofence.Sample) error {
	body, err := json.Marshal(map[string]any{
		"class_id":  cfg.AgentClassID,
		"device_id": cfg.AgentDeviceID,
		"location": map[string]float64{
			"latitude":        sample.Latitude,
			"longitude":       sample.Longitude,
			"accuracy_meters": sample.AccuracyMeters,
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.AgentAPIURL+"/v1/checkins", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.AgentToken)

	resp, err := (&http.Client{Timeout: 15 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("api %s: %s", resp.Status, string(raw))
	}
	log.Printf("checked in: %s", string(raw))
	return nil
}
