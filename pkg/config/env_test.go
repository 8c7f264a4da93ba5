package config

import (
	"testing"
	"time"
)

func TestGetEnvBool(t *testing.T) {
	cases := []struct {
		value    string
		fallback bool
		expected bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"No", true, false},
		{"off", true, false},
		{"", true, true},
		{"", false, false},
		{"maybe", true, true},
		{"  true  ", false, true},
	}

	for _, tc := range cases {
		t.Run(tc.value, func(t *testing.T) {
			t.Setenv("TEST_BOOL", tc.value)
			if got := GetEnvBool("TEST_BOOL", tc.fallback); got != tc.expected {
				t.Errorf("GetEnvBool(%q, %v) = %v, want %v", tc.value, tc.fallback, got, tc.expected)
			}
		})
	}
}

func TestGetEnvMillis(t *testing.T) {
	cases := []struct {
		value    string
		expected time.Duration
	}{
		{"", 5 * time.Second},
		{"1500", 1500 * time.Millisecond},
		{"0", 0},
		{"infinity", 0},
		{"Infinity", 0},
		{"-100", 5 * time.Second},
		{"garbage", 5 * time.Second},
	}

	for _, tc := range cases {
		t.Run(tc.value, func(t *testing.T) {
			t.Setenv("TEST_MILLIS", tc.value)
			if got := GetEnvMillis("TEST_MILLIS", 5*time.Second); got != tc.expected {
				t.Errorf("GetEnvMillis(%q) = %v, want %v", tc.value, got, tc.expected)
			}
		})
	}
}

func TestGetAppEnv(t *testing.T) {
	cases := map[string]Env{
		"":            EnvProd,
		"prod":        EnvProd,
		"production":  EnvProd,
		"dev":         EnvDev,
		"development": EnvDev,
		"test":        EnvTest,
	}
	for value, expected := range cases {
		t.Setenv("APP_ENV", value)
		if got := GetAppEnv(); got != expected {
			t.Errorf("APP_ENV=%q: got %v, want %v", value, got, expected)
		}
	}

	if !EnvDev.IsDevLike() || !EnvTest.IsDevLike() || EnvProd.IsDevLike() {
		t.Error("IsDevLike classification wrong")
	}
}

func TestLoadRequiresLicenseCredentialsInProd(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("LICENSE_KEY", "")
	t.Setenv("LICENSE_MANAGER_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing LICENSE_KEY in prod")
	}

	t.Setenv("LICENSE_KEY", "key-1")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing LICENSE_MANAGER_API_KEY in prod")
	}

	t.Setenv("LICENSE_MANAGER_API_KEY", "mgr-1")
	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.SSEConnectTimeout != 30*time.Second {
		t.Errorf("SSEConnectTimeout = %v", s.SSEConnectTimeout)
	}
	if s.SSERecvTimeout != 0 {
		t.Errorf("SSERecvTimeout = %v", s.SSERecvTimeout)
	}
	if !s.NotificationsEnabled {
		t.Error("NotificationsEnabled should default true")
	}
}

func TestLoadAllowsMissingCredentialsInDev(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("LICENSE_KEY", "")
	t.Setenv("LICENSE_MANAGER_API_KEY", "")

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Env != EnvDev {
		t.Errorf("Env = %v", s.Env)
	}
}
