package exporter

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/netguard/store"
)

func sample() []store.TestResult {
	avg, std, loss, speed := 42.5, 1.2345, 0.1, 9.87
	return []store.TestResult{
		{IP: "1.1.1.1", AvgLatency: &avg, StdDeviation: &std, PacketLoss: &loss, DownloadSpeed: &speed, TestTime: time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)},
		{IP: "2606:4700::1", AvgLatency: &avg, TestTime: time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)},
	}
}

func TestToCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ToCSV(sample(), &buf))

	reader := csv.NewReader(&buf)
	rows, err := reader.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, []string{"ip", "avg_latency_ms", "std_deviation_ms", "packet_loss", "download_speed_mbps", "is_locked", "test_time"}, rows[0])
	require.Equal(t, "1.1.1.1", rows[1][0])
	require.Equal(t, "42.50", rows[1][1])
	require.Equal(t, "1.2345", rows[1][2])
	require.Equal(t, "9.87", rows[1][4])
	// null fields render empty
	require.Equal(t, "", rows[2][4])
}

func TestToJSONL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ToJSONL(sample(), &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"ip":"1.1.1.1"`)
	require.Contains(t, lines[0], `"download_speed":9.87`)
	require.NotContains(t, lines[1], "download_speed")
}
