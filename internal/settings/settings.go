package settings

import (
	"reflect"
	"unsafe"
)

const defaultRegion = "eu-central-1"
const defaultDomain = "localhost"
const defaultBindAddress = "0.0.0.0"
const defaultPort = 9000
const defaultMonitoringPort = 9001
const defaultMonitoringPortEnabled = false
const defaultCompressionEnabled = false
const defaultStorageJsonPath = "./storage.json"
const defaultAuthorizerPath = "./authorizer.lua"
const defaultOtelEnabled = false
const defaultOtelExporter = "stdout"
const defaultOtelEndpoint = "localhost:4318"

const mergableTagKey = "mergable"

// Credentials is the bootstrap access key pair configured through
// settings. It maps to a synthetic all-buckets credential, so a fresh
// install can talk to the API before any credentials are provisioned.
type Credentials struct {
	AccessKeyId     string
	SecretAccessKey string
}

type Settings struct {
	accessKeyId           *string `mergable:""`
	secretAccessKey       *string `mergable:""`
	region                *string `mergable:""`
	domain                *string `mergable:""`
	bindAddress           *string `mergable:""`
	port                  *int    `mergable:""`
	monitoringPort        *int    `mergable:""`
	monitoringPortEnabled *bool   `mergable:""`
	compressionEnabled    *bool   `mergable:""`
	storageJsonPath       *string `mergable:""`
	authorizerPath        *string `mergable:""`
	otelEnabled           *bool   `mergable:""`
	otelExporter          *string `mergable:""`
	otelEndpoint          *string `mergable:""`
}

func valueOrDefault[V any](v *V, defaultValue V) V {
	if v == nil {
		return defaultValue
	}
	return *v
}

func (s *Settings) AccessKeyId() string {
	return valueOrDefault(s.accessKeyId, "")
}

func (s *Settings) SecretAccessKey() string {
	return valueOrDefault(s.secretAccessKey, "")
}

// Credentials returns the bootstrap credentials, or nil when no access
// key pair is configured.
func (s *Settings) Credentials() []Credentials {
	if s.AccessKeyId() == "" || s.SecretAccessKey() == "" {
		return nil
	}
	return []Credentials{
		{
			AccessKeyId:     s.AccessKeyId(),
			SecretAccessKey: s.SecretAccessKey(),
		},
	}
}

func (s *Settings) Region() string {
	return valueOrDefault(s.region, defaultRegion)
}

func (s *Settings) Domain() string {
	return valueOrDefault(s.domain, defaultDomain)
}

func (s *Settings) BindAddress() string {
	return valueOrDefault(s.bindAddress, defaultBindAddress)
}

func (s *Settings) Port() int {
	return valueOrDefault(s.port, defaultPort)
}

func (s *Settings) MonitoringPort() int {
	return valueOrDefault(s.monitoringPort, defaultMonitoringPort)
}

func (s *Settings) MonitoringPortEnabled() bool {
	return valueOrDefault(s.monitoringPortEnabled, defaultMonitoringPortEnabled)
}

func (s *Settings) CompressionEnabled() bool {
	return valueOrDefault(s.compressionEnabled, defaultCompressionEnabled)
}

func (s *Settings) StorageJsonPath() string {
	return valueOrDefault(s.storageJsonPath, defaultStorageJsonPath)
}

func (s *Settings) AuthorizerPath() string {
	return valueOrDefault(s.authorizerPath, defaultAuthorizerPath)
}

func (s *Settings) OtelEnabled() bool {
	return valueOrDefault(s.otelEnabled, defaultOtelEnabled)
}

func (s *Settings) OtelExporter() string {
	return valueOrDefault(s.otelExporter, defaultOtelExporter)
}

func (s *Settings) OtelEndpoint() string {
	return valueOrDefault(s.otelEndpoint, defaultOtelEndpoint)
}

func getUnexportedField(field reflect.Value) interface{} {
	return reflect.NewAt(field.Type(), unsafe.Pointer(field.UnsafeAddr())).Elem().Interface()
}

func setUnexportedField(field reflect.Value, value interface{}) {
	reflect.NewAt(field.Type(), unsafe.Pointer(field.UnsafeAddr())).Elem().Set(reflect.ValueOf(value))
}

func isNilish(val any) bool {
	if val == nil {
		return true
	}

	v := reflect.ValueOf(val)
	k := v.Kind()
	switch k {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer,
		reflect.UnsafePointer, reflect.Interface, reflect.Slice:
		return v.IsNil()
	}

	return false
}

func (s *Settings) merge(other *Settings) {
	fields := reflect.VisibleFields(reflect.TypeOf(other).Elem())
	sStruct := reflect.ValueOf(s).Elem()
	otherStruct := reflect.ValueOf(other).Elem()

	for _, field := range fields {
		if _, ok := field.Tag.Lookup(mergableTagKey); !ok {
			continue
		}
		sField := sStruct.FieldByName(field.Name)
		otherField := otherStruct.FieldByName(field.Name)

		if field.Type.Kind() == reflect.Pointer {
			otherFieldValue := getUnexportedField(otherField)
			if !isNilish(otherFieldValue) {
				setUnexportedField(sField, otherFieldValue)
			}
		} else {
			otherFieldValue := getUnexportedField(otherField)
			setUnexportedField(sField, otherFieldValue)
		}
	}
}

func mergeSettings(settings ...*Settings) *Settings {
	var result *Settings = &Settings{}
	for _, setting := range settings {
		if setting == nil {
			continue
		}
		result.merge(setting)
	}
	return result
}

// LoadSettings layers the configuration sources: config.json, then
// command line arguments, then environment variables. Later sources
// win field by field.
func LoadSettings(args []string) (*Settings, error) {
	jsonSettings, _ := loadSettingsFromJson("config.json")
	cmdArgsSettings, err := loadSettingsFromCmdArgs(args)
	if err != nil {
		return nil, err
	}
	envSettings, _ := loadSettingsFromEnv()
	settings := mergeSettings(jsonSettings, cmdArgsSettings, envSettings)
	return settings, nil
}
