package cmd

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-otp-relay/filter"
	"github.com/dhcgn/mail-otp-relay/otp"
	"github.com/dhcgn/mail-otp-relay/stats"
)

type testMail struct {
	from, subject, body string
}

func archive(mails ...testMail) string {
	var sb strings.Builder
	for i, m := range mails {
		fmt.Fprintf(&sb, "From sender@example.com Thu Jan  1 00:00:0%d 2025\n", i)
		fmt.Fprintf(&sb, "From: %s\nSubject: %s\n\n%s\n\n", m.from, m.subject, m.body)
	}
	return sb.String()
}

var sample = []testMail{
	{"Bank <no-reply@bank.example>", "Sign in", "Your verification code is 482913."},
	{"Shop <news@shop.example>", "Weekly deals", "Order 55512345 ships soon. Call 4008123456."},
	{"Bank <no-reply@bank.example>", "Payment", "Use code 771204 to confirm the payment."},
}

func newScanner(t *testing.T, fopts filter.Options) *scanner {
	t.Helper()
	ex, err := otp.New(otp.DefaultConfig())
	require.NoError(t, err)
	f, err := filter.New(fopts)
	require.NoError(t, err)
	return &scanner{extractor: ex, filter: f, collector: stats.NewCollector()}
}

func TestScanner_Run(t *testing.T) {
	s := newScanner(t, filter.Options{})
	var scanned int
	s.onEvent = func(evt stats.Event) {
		if evt.Type == stats.EventTypeScanned {
			scanned++
		}
	}

	report, err := s.run(strings.NewReader(archive(sample...)))
	require.NoError(t, err)

	assert.Equal(t, 3, scanned)
	assert.Equal(t, 3, report.Summary.Scanned)
	assert.Equal(t, 2, report.Summary.Extracted)
	assert.Equal(t, 1, report.Summary.NoCode)
	require.Len(t, report.Rows, 3)
	assert.Equal(t, "482913", report.Rows[0].Code)
	assert.False(t, report.Rows[1].Found)
	assert.Equal(t, 2, report.Domains["bank.example"])
	assert.Equal(t, 1, report.Missed["shop.example"])
}

func TestScanner_FilterAndExplain(t *testing.T) {
	s := newScanner(t, filter.Options{IncludeSender: []string{`bank\.example`}})
	var explain bytes.Buffer
	s.explain = &explain

	report, err := s.run(strings.NewReader(archive(sample...)))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Summary.Filtered)
	assert.Len(t, report.Rows, 2)
	assert.Contains(t, explain.String(), "=> 482913")
	assert.Contains(t, explain.String(), "accept")
	assert.NotContains(t, explain.String(), "shop.example")
}

func TestScanCommand(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.mbox")
	require.NoError(t, os.WriteFile(path, []byte(archive(sample...)), 0o644))
	reports := filepath.Join(dir, "reports")

	cmd, err := NewScanCommand()
	require.NoError(t, err)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--env-file", "", "--no-progress", "-o", reports, path})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "1. bank.example (2)")

	file, err := os.Open(filepath.Join(reports, "report_codes.csv"))
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "771204", records[3][3])

	_, err = os.Stat(filepath.Join(reports, "report_sender_domain.csv"))
	assert.NoError(t, err)
}

func TestScanCommand_MissingFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cmd, err := NewScanCommand()
	require.NoError(t, err)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--env-file", "", filepath.Join(t.TempDir(), "missing.mbox")})
	assert.Error(t, cmd.Execute())
}
