package config

import (
	"io"
	"io/ioutil"
	"os"
	"testing"

	"blitiri.com.ar/go/log"

	"go.emailrelay.dev/relay/internal/testlib"
)

func mustCreateConfig(t *testing.T, contents string) (string, string) {
	tmpDir := testlib.MustTempDir(t)
	err := ioutil.WriteFile(tmpDir+"/emrelay.toml", []byte(contents), 0600)
	if err != nil {
		t.Fatalf("Failed to write tmp config: %v", err)
	}
	return tmpDir, tmpDir + "/emrelay.toml"
}

func TestEmptyConfig(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "")
	defer testlib.RemoveIfOk(t, tmpDir)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("error loading empty config: %v", err)
	}

	hostname, _ := os.Hostname()
	if c.Hostname == "" || c.Hostname != hostname {
		t.Errorf("invalid hostname %q, should be: %q", c.Hostname, hostname)
	}

	if c.Limits.MaxDataSizeMB != 50 {
		t.Errorf("max data size != 50: %d", c.Limits.MaxDataSizeMB)
	}

	if len(c.Listeners) != 3 || c.Listeners[0].Address != "systemd" {
		t.Errorf("unexpected listener default: %+v", c.Listeners)
	}

	if c.Metrics.Address != "" {
		t.Errorf("metrics address is set: %v", c.Metrics.Address)
	}

	testLogConfig(c)
}

func TestFullConfig(t *testing.T) {
	confStr := `
		hostname = "joust"
		[[listeners]]
		address = ":1234"
		mode = "smtp"
		[[listeners]]
		address = ":5678"
		mode = "submission"
		[metrics]
		address = ":1111"
		[limits]
		max_data_size_mb = 26
	`

	tmpDir, path := mustCreateConfig(t, confStr)
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("error loading config: %v", err)
	}

	if c.Hostname != "joust" {
		t.Errorf("hostname %q != 'joust'", c.Hostname)
	}

	if c.Limits.MaxDataSizeMB != 26 {
		t.Errorf("max data size != 26: %d", c.Limits.MaxDataSizeMB)
	}

	if len(c.Listeners) != 2 ||
		c.Listeners[0].Address != ":1234" || c.Listeners[1].Address != ":5678" {
		t.Errorf("different listeners: %+v", c.Listeners)
	}

	if c.Metrics.Address != ":1111" {
		t.Errorf("metrics address %q != ':1111'", c.Metrics.Address)
	}

	testLogConfig(c)
}

func TestErrorLoading(t *testing.T) {
	c, err := Load("/does/not/exist")
	if err == nil {
		t.Fatalf("loaded a non-existent config: %v", c)
	}
}

func TestBrokenConfig(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "this = is [ not valid toml")
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path)
	if err == nil {
		t.Fatalf("loaded an invalid config: %v", c)
	}
}

func TestInvalidGiveUpSendAfter(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "[store]\ngive_up_send_after = \"not-a-duration\"\n")
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path)
	if err == nil {
		t.Fatalf("loaded a config with an invalid give_up_send_after: %v", c)
	}
}

// Run LogConfig, overriding the default logger first. This exercises the
// code; we don't validate the output, but it is a useful sanity check.
func testLogConfig(c *Config) {
	l := log.New(nopWCloser{ioutil.Discard})
	log.Default = l
	LogConfig(c)
}

type nopWCloser struct {
	io.Writer
}

func (nopWCloser) Close() error { return nil }
