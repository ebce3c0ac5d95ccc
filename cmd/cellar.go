package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"reflect"

	"github.com/avandras/cellar/internal/config"
	"github.com/avandras/cellar/internal/dependencyinjection"
	"github.com/avandras/cellar/internal/http/server"
	"github.com/avandras/cellar/internal/http/server/authorization"
	"github.com/avandras/cellar/internal/http/server/authorization/lua"
	"github.com/avandras/cellar/internal/identity"
	"github.com/avandras/cellar/internal/settings"
	"github.com/avandras/cellar/internal/storage"
	storageConfig "github.com/avandras/cellar/internal/storage/config"
	"github.com/avandras/cellar/internal/storage/database"
	"github.com/avandras/cellar/internal/storage/migrator"
	"github.com/avandras/cellar/internal/telemetry"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultStorageConfig = `
{
  "type": "TreeStorage",
  "db": {
    "type": "RegisterDatabaseReference",
	"refName": "db",
	"db": {
      "type": "SqliteDatabase",
	  "dbPath": "./data/cellar.db"
	}
  },
  "metadataStore": {
    "type": "SqlMetadataStore",
	"db": {
	  "type": "DatabaseReference",
	  "refName": "db"
	}
  },
  "contentStore": {
    "type": "FilesystemContentStore",
	"root": "./data/content"
  }
}
`

const defaultAuthorizationCode = `
function authorizeRequest(request)
  return true
end
`

const subcommandServe = "serve"
const subcommandProvision = "provision"
const subcommandMigrateStorage = "migrate-storage"

func main() {
	var programLevel = new(slog.LevelVar)
	programLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     programLevel,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()
	if len(os.Args) < 2 {
		slog.Info(fmt.Sprintf("Usage: %s %s|%s|%s [options]\n", os.Args[0], subcommandServe, subcommandProvision, subcommandMigrateStorage))
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case subcommandServe:
		serve(ctx)
	case subcommandProvision:
		provision(ctx)
	case subcommandMigrateStorage:
		migrateStorage(ctx)
	default:
		slog.Error(fmt.Sprintf("Invalid subcommand: %s. Expected one of '%s', '%s', '%s'.\n", subcommand, subcommandServe, subcommandProvision, subcommandMigrateStorage))
		os.Exit(1)
	}
}

func serve(ctx context.Context) {
	settings, err := settings.LoadSettings(os.Args[2:])
	if err != nil {
		slog.Error(fmt.Sprint("Error while loading settings: ", err))
		os.Exit(1)
	}

	if settings.OtelEnabled() {
		otelShutdown, err := telemetry.SetupOTelSDK(ctx, settings)
		if err != nil {
			slog.Error(fmt.Sprint("Couldn't setup OpenTelemetry SDK: ", err))
			os.Exit(1)
		}
		defer otelShutdown(ctx)
	}

	dbContainer, store := loadStorageConfiguration(settings.StorageJsonPath())

	dbs := dbContainer.Dbs()

	err = store.Start(ctx)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't start storage: ", err))
		os.Exit(1)
	}

	defer func() {
		err := store.Stop(ctx)
		if err != nil {
			slog.Error(fmt.Sprint("Couldn't stop storage: ", err))
			os.Exit(1)
		}
		for _, db := range dbs {
			err = db.Close()
			if err != nil {
				slog.Error(fmt.Sprint("Couldn't close database: ", err))
				os.Exit(1)
			}
		}
	}()

	identityProvider, err := makeIdentityProvider(ctx, store, settings.Credentials(), dbs)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't create identity provider: ", err))
		os.Exit(1)
	}

	requestAuthorizer, err := loadRequestAuthorizer(settings.AuthorizerPath())
	if err != nil {
		slog.Error(fmt.Sprintf("Could not create request authorizer: %s", err))
		os.Exit(1)
	}

	handler := server.SetupServer(identityProvider, settings.Region(), settings.Domain(), requestAuthorizer, store, settings.CompressionEnabled())
	addr := fmt.Sprintf("%v:%v", settings.BindAddress(), settings.Port())
	httpServer := &http.Server{
		BaseContext: func(net.Listener) context.Context { return ctx },
		Addr:        addr,
		Handler:     handler,
	}

	if settings.MonitoringPortEnabled() {
		monitoringHandler := server.SetupMonitoringServer(dbs)
		monitoringAddr := fmt.Sprintf("%v:%v", settings.BindAddress(), settings.MonitoringPort())
		httpMonitoringServer := &http.Server{
			BaseContext: func(net.Listener) context.Context { return ctx },
			Addr:        monitoringAddr,
			Handler:     monitoringHandler,
		}
		go (func() {
			slog.Info(fmt.Sprintf("Listening with monitoring api on http://%v\n", monitoringAddr))
			httpMonitoringServer.ListenAndServe()
		})()
	}

	slog.Info(fmt.Sprintf("Listening with s3 api on http://%v\n", addr))
	err = httpServer.ListenAndServe()
	if err != nil {
		slog.Error(fmt.Sprintf("Error while starting http server: %s", err))
		os.Exit(1)
	}
}

const bootstrapUserName = "root"

// ensureBootstrapUser resolves the user that owns buckets created with
// the bootstrap credentials, creating it on first start.
func ensureBootstrapUser(ctx context.Context, store storage.Storage) (ulid.ULID, error) {
	user, err := store.HeadUserByName(ctx, bootstrapUserName)
	if err == nil {
		return *user.Id, nil
	}
	if !errors.Is(err, storage.ErrNoSuchUser) {
		return ulid.ULID{}, err
	}
	newUser := storage.User{
		Name:         bootstrapUserName,
		StorageQuota: -1,
	}
	err = store.CreateUser(ctx, &newUser)
	if err != nil {
		return ulid.ULID{}, err
	}
	return *newUser.Id, nil
}

// makeIdentityProvider chains the bootstrap credentials from the
// settings (synthetic all-buckets credentials owned by the bootstrap
// user) with the provisioned credentials stored in the first
// configured database.
func makeIdentityProvider(ctx context.Context, store storage.Storage, bootstrapCredentials []settings.Credentials, dbs []config.Db) (identity.Provider, error) {
	providers := []identity.Provider{}
	if len(bootstrapCredentials) > 0 {
		bootstrapUserId, err := ensureBootstrapUser(ctx, store)
		if err != nil {
			return nil, err
		}
		staticCredentials := make([]identity.Credential, 0, len(bootstrapCredentials))
		for _, credentials := range bootstrapCredentials {
			staticCredentials = append(staticCredentials, identity.Credential{
				AccessKeyId:     credentials.AccessKeyId,
				SecretAccessKey: credentials.SecretAccessKey,
				UserId:          bootstrapUserId,
				AllBuckets:      true,
			})
		}
		providers = append(providers, identity.NewStaticProvider(staticCredentials))
	}
	if db := firstDatabase(dbs); db != nil {
		sqlStore, err := identity.NewSqlStore(db)
		if err != nil {
			return nil, err
		}
		providers = append(providers, sqlStore)
	}
	if len(providers) == 0 {
		slog.Warn("No credentials configured: only anonymous access to public buckets will work")
	}
	return identity.NewChainProvider(providers...), nil
}

func firstDatabase(dbs []config.Db) database.Database {
	for _, db := range dbs {
		if typedDb, ok := db.(database.Database); ok {
			return typedDb
		}
	}
	return nil
}

func loadRequestAuthorizer(authorizerPath string) (authorization.RequestAuthorizer, error) {
	authorizerCode, err := os.ReadFile(authorizerPath)
	if err != nil {
		slog.Warn(fmt.Sprint("Couldn't load authorizer: ", err))
		slog.Warn("Using defaultAuthorizationCode (which defers to the access policy) as fallback")
		authorizerCode = []byte(defaultAuthorizationCode)
	}
	luaAuthorizer, err := lua.NewLuaAuthorizer(string(authorizerCode))
	if err != nil {
		return nil, err
	}
	return authorization.NewChainAuthorizer(authorization.NewAccessPolicyAuthorizer(), luaAuthorizer), nil
}

func loadStorageConfiguration(storageJsonPath string) (*config.DbContainer, storage.Storage) {
	diContainer, err := dependencyinjection.NewContainer()
	if err != nil {
		slog.Error(fmt.Sprint("Error while creating diContainer: ", err))
		os.Exit(1)
	}
	err = diContainer.RegisterSingletonByType(reflect.TypeOf((*prometheus.Registerer)(nil)), prometheus.DefaultRegisterer)
	if err != nil {
		slog.Error(fmt.Sprint("Error while registering prometheus.Registerer in diContainer: ", err))
		os.Exit(1)
	}

	dbContainer := config.NewDbContainer()
	err = diContainer.RegisterSingletonByType(reflect.TypeOf((*config.DbContainer)(nil)), dbContainer)
	if err != nil {
		slog.Error(fmt.Sprint("Error while registering dbContainer in diContainer: ", err))
		os.Exit(1)
	}

	storageJsonConfig, err := os.ReadFile(storageJsonPath)
	if err != nil {
		slog.Warn(fmt.Sprint("Couldn't load storageJson: ", err))
		slog.Warn("Using defaultStorageConfig as fallback")
		storageJsonConfig = []byte(defaultStorageConfig)
	}

	storageInstantiator, err := storageConfig.CreateStorageInstantiatorFromJson(storageJsonConfig)
	if err != nil {
		slog.Error(fmt.Sprint("Error while creating storageInstantiator from json: ", err))
		os.Exit(1)
	}
	err = storageInstantiator.RegisterReferences(diContainer)
	if err != nil {
		slog.Error(fmt.Sprint("Error while registering references: ", err))
		os.Exit(1)
	}
	store, err := storageInstantiator.Instantiate(diContainer)
	if err != nil {
		slog.Error(fmt.Sprint("Error while instantiating storage: ", err))
		os.Exit(1)
	}
	return dbContainer, store
}

type seedUser struct {
	Name         string `json:"name"`
	StorageQuota int64  `json:"storageQuota"`
}

type seedBucket struct {
	Name                string `json:"name"`
	Owner               string `json:"owner"`
	Access              string `json:"access"`
	StorageQuota        int64  `json:"storageQuota"`
	PathCacheTtlSeconds int64  `json:"pathCacheTtlSeconds"`
}

type seedCredential struct {
	AccessKeyId     string   `json:"accessKeyId"`
	SecretAccessKey string   `json:"secretAccessKey"`
	User            string   `json:"user"`
	AllBuckets      bool     `json:"allBuckets"`
	GrantedBuckets  []string `json:"grantedBuckets"`
}

type seedFile struct {
	Users       []seedUser       `json:"users"`
	Buckets     []seedBucket     `json:"buckets"`
	Credentials []seedCredential `json:"credentials"`
}

// provision applies a declarative seed file: users, buckets and access
// credentials. Existing users and buckets are left untouched, so the
// command can run repeatedly against the same storage.
func provision(ctx context.Context) {
	if len(os.Args) < 3 {
		slog.Info(fmt.Sprintf("Usage: %s %s [seed.json] [options]\n", os.Args[0], subcommandProvision))
		os.Exit(1)
	}
	seedPath := os.Args[2]
	settings, err := settings.LoadSettings(os.Args[3:])
	if err != nil {
		slog.Error(fmt.Sprint("Error while loading settings: ", err))
		os.Exit(1)
	}

	seedData, err := os.ReadFile(seedPath)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't read seed file: ", err))
		os.Exit(1)
	}
	seed := seedFile{}
	err = json.Unmarshal(seedData, &seed)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't parse seed file: ", err))
		os.Exit(1)
	}

	dbContainer, store := loadStorageConfiguration(settings.StorageJsonPath())
	dbs := dbContainer.Dbs()

	err = store.Start(ctx)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't start storage: ", err))
		os.Exit(1)
	}
	defer func() {
		err := store.Stop(ctx)
		if err != nil {
			slog.Error(fmt.Sprint("Couldn't stop storage: ", err))
			os.Exit(1)
		}
		for _, db := range dbs {
			err = db.Close()
			if err != nil {
				slog.Error(fmt.Sprint("Couldn't close database: ", err))
				os.Exit(1)
			}
		}
	}()

	err = applySeed(ctx, store, dbs, &seed)
	if err != nil {
		slog.Error(fmt.Sprint("Provisioning failed: ", err))
		os.Exit(1)
	}
	slog.Info("Provisioning completed", "users", len(seed.Users), "buckets", len(seed.Buckets), "credentials", len(seed.Credentials))
}

func applySeed(ctx context.Context, store storage.Storage, dbs []config.Db, seed *seedFile) error {
	userIdsByName := map[string]ulid.ULID{}
	lookupUserId := func(name string) (ulid.ULID, error) {
		if userId, ok := userIdsByName[name]; ok {
			return userId, nil
		}
		user, err := store.HeadUserByName(ctx, name)
		if err != nil {
			return ulid.ULID{}, fmt.Errorf("unknown user %q: %w", name, err)
		}
		userIdsByName[name] = *user.Id
		return *user.Id, nil
	}

	for _, seedUser := range seed.Users {
		existingUser, err := store.HeadUserByName(ctx, seedUser.Name)
		if err == nil {
			userIdsByName[seedUser.Name] = *existingUser.Id
			continue
		}
		if !errors.Is(err, storage.ErrNoSuchUser) {
			return err
		}
		user := storage.User{
			Name:         seedUser.Name,
			StorageQuota: seedUser.StorageQuota,
		}
		err = store.CreateUser(ctx, &user)
		if err != nil {
			return err
		}
		userIdsByName[seedUser.Name] = *user.Id
		slog.Info("Created user", "name", seedUser.Name)
	}

	for _, seedBucket := range seed.Buckets {
		bucketName, err := storage.NewBucketName(seedBucket.Name)
		if err != nil {
			return err
		}
		access := storage.BucketAccessPrivate
		if seedBucket.Access != "" {
			access, err = storage.ParseBucketAccess(seedBucket.Access)
			if err != nil {
				return err
			}
		}
		ownerId, err := lookupUserId(seedBucket.Owner)
		if err != nil {
			return err
		}
		err = store.CreateBucket(ctx, &storage.Bucket{
			Name:                bucketName,
			Access:              access,
			StorageQuota:        seedBucket.StorageQuota,
			PathCacheTtlSeconds: seedBucket.PathCacheTtlSeconds,
			OwnerId:             ownerId,
		})
		if err != nil {
			if errors.Is(err, storage.ErrBucketAlreadyExists) {
				continue
			}
			return err
		}
		slog.Info("Created bucket", "name", seedBucket.Name, "owner", seedBucket.Owner)
	}

	if len(seed.Credentials) == 0 {
		return nil
	}
	db := firstDatabase(dbs)
	if db == nil {
		return errors.New("no database available for credential provisioning")
	}
	credentialStore, err := identity.NewSqlStore(db)
	if err != nil {
		return err
	}
	for _, seedCredential := range seed.Credentials {
		userId, err := lookupUserId(seedCredential.User)
		if err != nil {
			return err
		}
		grantedBucketIds := make([]ulid.ULID, 0, len(seedCredential.GrantedBuckets))
		for _, grantedBucket := range seedCredential.GrantedBuckets {
			bucketName, err := storage.NewBucketName(grantedBucket)
			if err != nil {
				return err
			}
			bucket, err := store.HeadBucket(ctx, bucketName)
			if err != nil {
				return err
			}
			grantedBucketIds = append(grantedBucketIds, *bucket.Id)
		}
		err = credentialStore.SaveCredential(ctx, &identity.Credential{
			AccessKeyId:      seedCredential.AccessKeyId,
			SecretAccessKey:  seedCredential.SecretAccessKey,
			UserId:           userId,
			AllBuckets:       seedCredential.AllBuckets,
			GrantedBucketIds: grantedBucketIds,
		})
		if err != nil {
			return err
		}
		slog.Info("Saved credential", "accessKeyId", seedCredential.AccessKeyId, "user", seedCredential.User)
	}
	return nil
}

func migrateStorage(ctx context.Context) {
	if len(os.Args) < 4 {
		slog.Info(fmt.Sprintf("Usage: %s %s [source-config.json] [destination-config.json]\n", os.Args[0], subcommandMigrateStorage))
		os.Exit(1)
	}
	sourceStorageConfig := os.Args[2]
	destinationStorageConfig := os.Args[3]

	sourceDbContainer, sourceStorage := loadStorageConfiguration(sourceStorageConfig)

	sourceDbs := sourceDbContainer.Dbs()

	err := sourceStorage.Start(ctx)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't start storage: ", err))
		os.Exit(1)
	}

	defer func() {
		err := sourceStorage.Stop(ctx)
		if err != nil {
			slog.Error(fmt.Sprint("Couldn't stop storage: ", err))
			os.Exit(1)
		}
		for _, db := range sourceDbs {
			err = db.Close()
			if err != nil {
				slog.Error(fmt.Sprint("Couldn't close database:", err))
				os.Exit(1)
			}
		}
	}()

	destinationDbContainer, destinationStorage := loadStorageConfiguration(destinationStorageConfig)

	destinationDbs := destinationDbContainer.Dbs()

	err = destinationStorage.Start(ctx)
	if err != nil {
		slog.Error(fmt.Sprint("Couldn't start storage: ", err))
		os.Exit(1)
	}

	defer func() {
		err := destinationStorage.Stop(ctx)
		if err != nil {
			slog.Error(fmt.Sprint("Couldn't stop storage: ", err))
			os.Exit(1)
		}
		for _, db := range destinationDbs {
			err = db.Close()
			if err != nil {
				slog.Error(fmt.Sprint("Couldn't close database: ", err))
				os.Exit(1)
			}
		}
	}()

	slog.Info("Storage migration started!")
	err = migrator.MigrateStorage(ctx, sourceStorage, destinationStorage)
	if err != nil {
		slog.Error(fmt.Sprint("Could not migrate storage: ", err))
		os.Exit(1)
	}
	slog.Info("Storage migration successfully completed!")
}
