package exporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/example/netguard/store"
)

// ToJSONL writes test results to w as JSON Lines.
func ToJSONL(rows []store.TestResult, w io.Writer) error {
	encoder := json.NewEncoder(w)
	for _, row := range rows {
		if err := encoder.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

// ToCSV writes a CSV representation of the test results.
func ToCSV(rows []store.TestResult, w io.Writer) error {
	writer := csv.NewWriter(w)
	header := []string{"ip", "avg_latency_ms", "std_deviation_ms", "packet_loss", "download_speed_mbps", "is_locked", "test_time"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.IP,
			formatFloat(row.AvgLatency, 2),
			formatFloat(row.StdDeviation, 4),
			formatFloat(row.PacketLoss, 2),
			formatFloat(row.DownloadSpeed, 2),
			fmt.Sprintf("%t", row.IsLocked),
			row.TestTime.Format("2006-01-02T15:04:05Z07:00"),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatFloat(v *float64, places int) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', places, 64)
}
