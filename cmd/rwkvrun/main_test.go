package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/rwkvrun/internal/toy"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.Run(context.Background(), append([]string{"rwkvrun", "--log-level", "error"}, args...))
	return out.String(), err
}

func TestPlanCommand(t *testing.T) {
	writeConfig(t, "")
	out, err := runApp(t, "plan", "--strategy", "cuda fp16 *2 -> cpu fp32", "--layers", "4")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.HasPrefix(out, "Strategy: (total 4+1=5 layers)") {
		t.Fatalf("unexpected report:\n%s", out)
	}
	if !strings.Contains(out, "4-cpu-fp32-fp32") {
		t.Fatalf("head slot missing from report:\n%s", out)
	}

	if _, err := runApp(t, "plan", "--strategy", "cpu fp64", "--layers", "4"); err == nil {
		t.Fatalf("expected an invalid strategy to fail")
	}
}

func TestConvertThenRunPreconverted(t *testing.T) {
	writeConfig(t, "")
	dir := t.TempDir()
	model := filepath.Join(dir, "toy.safetensors")
	pre := filepath.Join(dir, "toy-pre.safetensors")
	spec := "cpu fp32 *1 -> cpu fp16"

	if _, err := runApp(t, "toy", "--out", model); err != nil {
		t.Fatalf("toy: %v", err)
	}
	out, err := runApp(t, "convert", "--model", model, "--strategy", spec, "--out", pre)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !strings.Contains(out, "1|3|"+spec) {
		t.Fatalf("convert output missing marker: %s", out)
	}

	fresh, err := runApp(t, "run", "--model", model, "--strategy", spec, "--backend", "reference", "--tokens", "1,2,3", "--top-k", "3")
	if err != nil {
		t.Fatalf("run fresh: %v", err)
	}
	reloaded, err := runApp(t, "run", "--model", pre, "--strategy", "preconverted", "--backend", "reference", "--tokens", "1 2 3", "--top-k", "3")
	if err != nil {
		t.Fatalf("run preconverted: %v", err)
	}
	if diff := cmp.Diff(fresh, reloaded); diff != "" {
		t.Fatalf("preconverted output differs (-fresh +reloaded):\n%s", diff)
	}
	if !strings.HasPrefix(fresh, "pos 2:") || strings.Count(fresh, "=") != 3 {
		t.Fatalf("unexpected run output: %q", fresh)
	}

	full, err := runApp(t, "run", "--model", model, "--backend", "reference", "--tokens", "1,2,3", "--full", "--chunk", "2", "--top-k", "1")
	if err != nil {
		t.Fatalf("run full: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(full), "\n"); len(lines) != 3 || !strings.HasPrefix(lines[0], "pos 0:") {
		t.Fatalf("unexpected full output: %q", full)
	}
}

func TestRunRejectsOutOfVocab(t *testing.T) {
	writeConfig(t, "")
	model := filepath.Join(t.TempDir(), "toy.safetensors")
	if err := toy.Write(model, toy.Small); err != nil {
		t.Fatalf("toy.Write: %v", err)
	}
	if _, err := runApp(t, "run", "--model", model, "--tokens", "999"); err == nil {
		t.Fatalf("expected out-of-vocabulary token to fail")
	}
	if _, err := runApp(t, "run", "--tokens", "1"); err == nil || !strings.Contains(err.Error(), "--model") {
		t.Fatalf("expected missing model error, got %v", err)
	}
}
