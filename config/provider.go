package config

// TcpingConfig controls the latency probe stage for one provider.
type TcpingConfig struct {
	Port         int     `json:"port"`
	Enable       bool    `json:"enable"`
	Timeout      int     `json:"time_out"`
	AvgLatency   float64 `json:"avg_latency"`
	PacketLoss   float64 `json:"packet_loss"`
	StdDeviation float64 `json:"std_deviation"`
	IPv4Enable   bool    `json:"ip_v4_enable"`
	IPv6Enable   bool    `json:"ip_v6_enable"`
	Count        int     `json:"count"`
}

// CurlConfig controls the bandwidth probe stage for one provider.
type CurlConfig struct {
	Port        int     `json:"port"`
	Speed       float64 `json:"speed"`
	Enable      bool    `json:"enable"`
	Timeout     int     `json:"time_out"`
	DownloadURL string  `json:"download_url"`
	IPv4Enable  bool    `json:"ip_v4_enable"`
	IPv6Enable  bool    `json:"ip_v6_enable"`
	Count       int     `json:"count"`
}

// MonitorConfig controls the best-set refresh behaviour.
type MonitorConfig struct {
	Count              int     `json:"count"`
	AutoFill           bool    `json:"auto_fill"`
	MinCount           int     `json:"min_count"`
	Providers          []int64 `json:"providers"`
	AutoDelete         bool    `json:"auto_delete"`
	DownloadTestNumber int     `json:"download_test_number"`
}

// ProviderConfig is the per-provider JSON blob persisted in the config table.
type ProviderConfig struct {
	Curl    CurlConfig    `json:"curl"`
	Tcping  TcpingConfig  `json:"tcping"`
	Monitor MonitorConfig `json:"monitor"`
}

// DefaultProviderConfig returns the configuration applied to a provider that
// has no stored blob yet.
func DefaultProviderConfig() *ProviderConfig {
	return &ProviderConfig{
		Curl: CurlConfig{
			Port:       443,
			Speed:      5,
			Enable:     true,
			Timeout:    10,
			IPv4Enable: true,
			IPv6Enable: true,
			Count:      10,
		},
		Tcping: TcpingConfig{
			Port:         443,
			Enable:       true,
			Timeout:      1,
			AvgLatency:   150,
			PacketLoss:   0.2,
			StdDeviation: 50,
			IPv4Enable:   true,
			IPv6Enable:   true,
			Count:        10,
		},
		Monitor: MonitorConfig{
			Count:              30,
			AutoFill:           true,
			MinCount:           5,
			AutoDelete:         true,
			DownloadTestNumber: 5,
		},
	}
}
