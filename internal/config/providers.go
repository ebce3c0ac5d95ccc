package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

const envKeyProviderType = "EnvKey"

type envKeyConfiguration struct {
	DynamicJsonType
	EnvKey string `json:"envKey"`
}

// StringProvider unmarshals either a raw JSON string or an EnvKey
// object that defers the value to an environment variable. Secrets
// stay out of configuration files this way.
type StringProvider struct {
	value string
}

func (sp *StringProvider) UnmarshalJSON(data []byte) error {
	var rawString string
	if err := json.Unmarshal(data, &rawString); err == nil {
		sp.value = rawString
		return nil
	}
	var envKeyConfig envKeyConfiguration
	if err := json.Unmarshal(data, &envKeyConfig); err != nil {
		return err
	}
	if envKeyConfig.Type != envKeyProviderType {
		return fmt.Errorf("unknown string provider type %s", envKeyConfig.Type)
	}
	sp.value = os.Getenv(envKeyConfig.EnvKey)
	return nil
}

func (sp StringProvider) Value() string {
	return sp.value
}

type Int64Provider struct {
	value int64
}

func (ip *Int64Provider) UnmarshalJSON(data []byte) error {
	var rawInt int64
	if err := json.Unmarshal(data, &rawInt); err == nil {
		ip.value = rawInt
		return nil
	}
	var envKeyConfig envKeyConfiguration
	if err := json.Unmarshal(data, &envKeyConfig); err != nil {
		return err
	}
	if envKeyConfig.Type != envKeyProviderType {
		return fmt.Errorf("unknown int64 provider type %s", envKeyConfig.Type)
	}
	parsed, err := strconv.ParseInt(os.Getenv(envKeyConfig.EnvKey), 10, 64)
	if err != nil {
		return err
	}
	ip.value = parsed
	return nil
}

func (ip Int64Provider) Value() int64 {
	return ip.value
}
