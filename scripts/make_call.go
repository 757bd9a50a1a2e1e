package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/outcall/pkg/configutil"
	"github.com/harunnryd/outcall/pkg/control"
)

type localConfig struct {
	Transports struct {
		Settings map[string]any `mapstructure:"settings"`
	} `mapstructure:"transports"`
	Control control.Config `mapstructure:"control"`
}

type serverSettings struct {
	ServerAddr string `mapstructure:"server_addr"`
}

func main() {
	configPath := flag.String("config", "examples/outcall/config.local.yaml", "")
	to := flag.String("to", "", "destination number")
	firstName := flag.String("first_name", "", "")
	rowID := flag.String("row_id", "", "")
	baseURL := flag.String("url", "", "engine base URL (default: from transports.settings.server_addr)")
	flag.Parse()
	if *to == "" {
		fmt.Println("usage: make_call -to=+39... [-first_name=Marco] [-row_id=7] [-config=...]")
		os.Exit(1)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	url := *baseURL
	if url == "" {
		var settings serverSettings
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
			fmt.Println("settings error:", err)
			os.Exit(1)
		}
		url = localURL(settings.ServerAddr)
	}
	path := cfg.Control.Path
	if path == "" {
		path = "/start-call"
	}

	body, _ := json.Marshal(control.StartCallRequest{FirstName: *firstName, PhoneNumber: *to, RowID: *rowID})
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(url, "/")+path, bytes.NewReader(body))
	if err != nil {
		fmt.Println("request error:", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.Control.Token)
	resp, err := (&http.Client{Timeout: 20 * time.Second}).Do(req)
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		fmt.Printf("call error: %s %s\n", resp.Status, strings.TrimSpace(string(msg)))
		os.Exit(1)
	}
	var out control.StartCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Println("response error:", err)
		os.Exit(1)
	}
	fmt.Println("call_id:", out.CallID)
}

func loadConfig(path string) (localConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return localConfig{}, err
	}
	var cfg localConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return localConfig{}, err
	}
	cfg.Control.Token = os.ExpandEnv(cfg.Control.Token)
	return cfg, nil
}

func localURL(addr string) string {
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}
