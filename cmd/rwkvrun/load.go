package main

import (
	"context"
	"errors"
	"strings"

	"github.com/samcharles93/rwkvrun/internal/device"
	"github.com/samcharles93/rwkvrun/internal/logger"
	"github.com/samcharles93/rwkvrun/internal/placement"
	"github.com/samcharles93/rwkvrun/internal/runner"
)

func loadWeights(ctx context.Context) (*placement.Weights, error) {
	path := strings.TrimSpace(modelPath)
	if path == "" {
		return nil, errors.New("--model is required")
	}
	log := logger.FromContext(ctx)
	return placement.LoadFile(path, placement.Options{
		Strategy:       strategySpec,
		DisablePinning: disablePinning,
		RescaleEvery:   rescaleLayer,
		Logger:         log,
		Registry:       device.NewRegistry(log),
	})
}

func loadRunner(ctx context.Context) (*runner.Runner, error) {
	w, err := loadWeights(ctx)
	if err != nil {
		return nil, err
	}
	r, err := runner.New(w, runner.Config{Backend: backendName, Logger: logger.FromContext(ctx)})
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return r, nil
}
