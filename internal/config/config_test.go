package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("PORT")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("ENV")
	os.Unsetenv("FOLLOWUP_DELAY_SEC")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}

	if cfg.Env != "development" {
		t.Errorf("expected env 'development', got %s", cfg.Env)
	}

	if cfg.FollowUpDelaySec != 120 {
		t.Errorf("expected follow-up delay 120, got %d", cfg.FollowUpDelaySec)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("PORT", "9000")
	os.Setenv("ENV", "production")
	os.Setenv("SNS_REGION", "eu-west-1")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("ENV")
		os.Unsetenv("SNS_REGION")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}

	if cfg.Env != "production" {
		t.Errorf("expected env 'production', got %s", cfg.Env)
	}

	if cfg.SNSRegion != "eu-west-1" {
		t.Errorf("expected SNS region eu-west-1, got %s", cfg.SNSRegion)
	}
}

func TestLoad_SNSRegionFallsBackToAWSRegion(t *testing.T) {
	os.Setenv("AWS_REGION", "ap-south-1")
	os.Unsetenv("SNS_REGION")
	defer os.Unsetenv("AWS_REGION")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.SNSRegion != "ap-south-1" {
		t.Errorf("expected SNS region to fall back to ap-south-1, got %s", cfg.SNSRegion)
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	os.Setenv("PORT", "not-a-number")
	defer os.Unsetenv("PORT")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}
