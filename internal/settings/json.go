package settings

import (
	"encoding/json"
	"os"
)

// jsonSettings mirrors Settings with exported fields so the standard
// json decoder can reach them. Absent keys stay nil and lose the merge.
type jsonSettings struct {
	AccessKeyId           *string `json:"accessKeyId"`
	SecretAccessKey       *string `json:"secretAccessKey"`
	Region                *string `json:"region"`
	Domain                *string `json:"domain"`
	BindAddress           *string `json:"bindAddress"`
	Port                  *int    `json:"port"`
	MonitoringPort        *int    `json:"monitoringPort"`
	MonitoringPortEnabled *bool   `json:"monitoringPortEnabled"`
	CompressionEnabled    *bool   `json:"compressionEnabled"`
	StorageJsonPath       *string `json:"storageJsonPath"`
	AuthorizerPath        *string `json:"authorizerPath"`
	OtelEnabled           *bool   `json:"otelEnabled"`
	OtelExporter          *string `json:"otelExporter"`
	OtelEndpoint          *string `json:"otelEndpoint"`
}

func loadSettingsFromJson(jsonFile string) (*Settings, error) {
	jsonData, err := os.ReadFile(jsonFile)
	if err != nil {
		return nil, err
	}
	js := jsonSettings{}
	err = json.Unmarshal(jsonData, &js)
	if err != nil {
		return nil, err
	}
	return &Settings{
		accessKeyId:           js.AccessKeyId,
		secretAccessKey:       js.SecretAccessKey,
		region:                js.Region,
		domain:                js.Domain,
		bindAddress:           js.BindAddress,
		port:                  js.Port,
		monitoringPort:        js.MonitoringPort,
		monitoringPortEnabled: js.MonitoringPortEnabled,
		compressionEnabled:    js.CompressionEnabled,
		storageJsonPath:       js.StorageJsonPath,
		authorizerPath:        js.AuthorizerPath,
		otelEnabled:           js.OtelEnabled,
		otelExporter:          js.OtelExporter,
		otelEndpoint:          js.OtelEndpoint,
	}, nil
}
