package settings

import (
	"flag"
)

func registerStringFlag(flagSet *flag.FlagSet, name string, defaultValue string, description string) func() *string {
	stringVar := flagSet.String(name, defaultValue, description)
	accessor := func() *string {
		found := false
		flagSet.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		if !found {
			return nil
		}
		return stringVar
	}
	return accessor
}

func registerIntFlag(flagSet *flag.FlagSet, name string, defaultValue int, description string) func() *int {
	intVar := flagSet.Int(name, defaultValue, description)
	accessor := func() *int {
		found := false
		flagSet.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		if !found {
			return nil
		}
		return intVar
	}
	return accessor
}

func registerBoolFlag(flagSet *flag.FlagSet, name string, defaultValue bool, description string) func() *bool {
	boolVar := flagSet.Bool(name, defaultValue, description)
	accessor := func() *bool {
		found := false
		flagSet.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		if !found {
			return nil
		}
		return boolVar
	}
	return accessor
}

func loadSettingsFromCmdArgs(args []string) (*Settings, error) {
	flagSet := flag.NewFlagSet("cellar", flag.ContinueOnError)
	accessKeyIdAccessor := registerStringFlag(flagSet, "accessKeyId", "", "the bootstrap access key id")
	secretAccessKeyAccessor := registerStringFlag(flagSet, "secretAccessKey", "", "the bootstrap secret access key")
	regionAccessor := registerStringFlag(flagSet, "region", defaultRegion, "the region for the s3 api")
	domainAccessor := registerStringFlag(flagSet, "domain", defaultDomain, "the domain for the s3 api")
	bindAddressAccessor := registerStringFlag(flagSet, "bindAddress", defaultBindAddress, "the address the s3 socket is bound to")
	portAccessor := registerIntFlag(flagSet, "port", defaultPort, "the port for the s3 api")
	monitoringPortAccessor := registerIntFlag(flagSet, "monitoringPort", defaultMonitoringPort, "the port for the monitoring api")
	monitoringPortEnabledAccessor := registerBoolFlag(flagSet, "monitoringPortEnabled", defaultMonitoringPortEnabled, "serve /metrics and /health on the monitoring port")
	compressionEnabledAccessor := registerBoolFlag(flagSet, "compressionEnabled", defaultCompressionEnabled, "compress responses when the client accepts it")
	storageJsonPathAccessor := registerStringFlag(flagSet, "storageJsonPath", defaultStorageJsonPath, "the path to the storage configuration json")
	authorizerPathAccessor := registerStringFlag(flagSet, "authorizerPath", defaultAuthorizerPath, "the path to the lua request authorizer")
	otelEnabledAccessor := registerBoolFlag(flagSet, "otelEnabled", defaultOtelEnabled, "enable the opentelemetry trace exporter")
	otelExporterAccessor := registerStringFlag(flagSet, "otelExporter", defaultOtelExporter, "the opentelemetry exporter (otlp or stdout)")
	otelEndpointAccessor := registerStringFlag(flagSet, "otelEndpoint", defaultOtelEndpoint, "the otlp http endpoint")

	err := flagSet.Parse(args)
	if err != nil {
		return nil, err
	}

	return &Settings{
		accessKeyId:           accessKeyIdAccessor(),
		secretAccessKey:       secretAccessKeyAccessor(),
		region:                regionAccessor(),
		domain:                domainAccessor(),
		bindAddress:           bindAddressAccessor(),
		port:                  portAccessor(),
		monitoringPort:        monitoringPortAccessor(),
		monitoringPortEnabled: monitoringPortEnabledAccessor(),
		compressionEnabled:    compressionEnabledAccessor(),
		storageJsonPath:       storageJsonPathAccessor(),
		authorizerPath:        authorizerPathAccessor(),
		otelEnabled:           otelEnabledAccessor(),
		otelExporter:          otelExporterAccessor(),
		otelEndpoint:          otelEndpointAccessor(),
	}, nil
}
