package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"udfhost/internal/allowlist"
	"udfhost/internal/catalog"
	"udfhost/internal/codegen"
	"udfhost/internal/config"
	"udfhost/internal/engine"
	"udfhost/internal/target"
	"udfhost/internal/types"
)

var (
	rootCmd = &cobra.Command{
		Use:   "udfhost",
		Short: "Compile, cache and invoke user-defined functions",
	}
	configPath string
	dbPath     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "udfhost.db", "Path to the function catalog database (SQLite)")

	defineCmd.Flags().Int64Var(&defDB, "db-id", 1, "Owning database id")
	defineCmd.Flags().Int64Var(&defFn, "fn-id", 0, "Function id")
	defineCmd.Flags().StringVar(&defName, "name", "", "Function name")
	defineCmd.Flags().StringVar(&defParams, "params", "", "Comma-separated parameters, type[:name] each")
	defineCmd.Flags().StringVar(&defReturn, "return", "int64", "Return type")
	defineCmd.Flags().BoolVar(&defStrict, "strict", false, "Strict: null in means null out, user code never runs")
	defineCmd.Flags().BoolVar(&defSetRet, "set-returning", false, "Function returns a row set")
	defineCmd.Flags().BoolVar(&defBuild, "build", false, "Compile immediately after registering")

	rootCmd.AddCommand(defineCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(dropCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(targetsCmd)
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = ".udfhost"
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.ZapLevel())
	log, err := zcfg.Build()
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func openStore() (*catalog.SQLiteCatalog, error) {
	return catalog.NewSQLiteCatalog(dbPath)
}

func newEngine(ctx context.Context, cfg *config.Config, log *zap.Logger, store catalog.Catalog) (*engine.Engine, error) {
	allow, err := allowlist.Load(cfg.AllowedDependencies)
	if err != nil {
		return nil, err
	}
	supportDir, err := codegen.ProvisionSupport(cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	return engine.New(ctx, log, cfg, store, allow, supportDir)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

var (
	defDB     int64
	defFn     int64
	defName   string
	defParams string
	defReturn string
	defStrict bool
	defSetRet bool
	defBuild  bool
)

// parseParams turns "int64:a,text:msg" into ordered catalog parameters.
func parseParams(s string) ([]catalog.Param, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []catalog.Param
	for _, raw := range strings.Split(s, ",") {
		typeName, name, _ := strings.Cut(strings.TrimSpace(raw), ":")
		kind, err := types.Parse(typeName)
		if err != nil {
			return nil, err
		}
		out = append(out, catalog.Param{Type: kind, Name: name})
	}
	return out, nil
}

var defineCmd = &cobra.Command{
	Use:   "define [source-file]",
	Short: "Register a function in the catalog",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		source, err := os.ReadFile(args[0])
		if err != nil {
			fatal("reading source: %v", err)
		}
		params, err := parseParams(defParams)
		if err != nil {
			fatal("parsing parameters: %v", err)
		}
		ret, err := types.Parse(defReturn)
		if err != nil {
			fatal("parsing return type: %v", err)
		}

		store, err := openStore()
		if err != nil {
			fatal("opening catalog: %v", err)
		}
		defer store.Close()

		def := &catalog.FunctionDefinition{
			Key:          catalog.FuncKey{DB: defDB, Fn: defFn},
			Name:         defName,
			Params:       params,
			Return:       ret,
			Strict:       defStrict,
			SetReturning: defSetRet,
			Source:       string(source),
		}
		version, err := store.Define(cmd.Context(), def)
		if err != nil {
			fatal("registering function: %v", err)
		}
		fmt.Printf("Registered %s version %d\n", def.Key, version)

		if !defBuild {
			return
		}
		cfg, log, err := setup()
		if err != nil {
			fatal("loading config: %v", err)
		}
		defer log.Sync()
		eng, err := newEngine(cmd.Context(), cfg, log, store)
		if err != nil {
			fatal("initializing engine: %v", err)
		}
		defer eng.Close(cmd.Context())
		if err := eng.Warm(cmd.Context(), def.Key); err != nil {
			fatal("compiling function: %v", err)
		}
		fmt.Printf("Compiled %s\n", def.Key)
	},
}

// parseLiteral interprets one command line argument as a typed value. The
// bare word "null" is the null sentinel.
func parseLiteral(kind types.Kind, s string) (types.Value, error) {
	if s == "null" {
		return types.NullValue(kind), nil
	}
	switch kind {
	case types.Bool:
		v, err := strconv.ParseBool(s)
		return types.BoolValue(v), err
	case types.Int16:
		v, err := strconv.ParseInt(s, 10, 16)
		return types.Value{Kind: types.Int16, V: int16(v)}, err
	case types.Int32:
		v, err := strconv.ParseInt(s, 10, 32)
		return types.Int32Value(int32(v)), err
	case types.Int64:
		v, err := strconv.ParseInt(s, 10, 64)
		return types.Int64Value(v), err
	case types.Float32:
		v, err := strconv.ParseFloat(s, 32)
		return types.Value{Kind: types.Float32, V: float32(v)}, err
	case types.Float64:
		v, err := strconv.ParseFloat(s, 64)
		return types.Float64Value(v), err
	case types.Text:
		return types.TextValue(s), nil
	case types.JSON:
		return types.Value{Kind: types.JSON, V: s}, nil
	case types.Bytes:
		return types.BytesValue([]byte(s)), nil
	}
	return types.Value{}, fmt.Errorf("unsupported semantic type %s", kind)
}

var callCmd = &cobra.Command{
	Use:   "call <db-id> <fn-id> [arg]...",
	Short: "Invoke a function with literal arguments",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		db, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fatal("parsing db id: %v", err)
		}
		fn, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fatal("parsing fn id: %v", err)
		}
		key := catalog.FuncKey{DB: db, Fn: fn}

		cfg, log, err := setup()
		if err != nil {
			fatal("loading config: %v", err)
		}
		defer log.Sync()

		store, err := openStore()
		if err != nil {
			fatal("opening catalog: %v", err)
		}
		defer store.Close()

		def, err := store.Lookup(cmd.Context(), key)
		if err != nil {
			fatal("looking up %s: %v", key, err)
		}
		if len(args)-2 != len(def.Params) {
			fatal("%s expects %d arguments, got %d", key, len(def.Params), len(args)-2)
		}
		values := make([]types.Value, len(def.Params))
		for i, p := range def.Params {
			values[i], err = parseLiteral(p.Type, args[2+i])
			if err != nil {
				fatal("parsing argument %d: %v", i, err)
			}
		}

		eng, err := newEngine(cmd.Context(), cfg, log, store)
		if err != nil {
			fatal("initializing engine: %v", err)
		}
		defer eng.Close(cmd.Context())

		result, err := eng.Invoke(cmd.Context(), key, values)
		if err != nil {
			fatal("invoking %s: %v", key, err)
		}
		if result.Null {
			fmt.Println("null")
			return
		}
		fmt.Printf("%v\n", result.V)
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop <db-id> <fn-id>",
	Short: "Remove a function from the catalog",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		db, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fatal("parsing db id: %v", err)
		}
		fn, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fatal("parsing fn id: %v", err)
		}
		store, err := openStore()
		if err != nil {
			fatal("opening catalog: %v", err)
		}
		defer store.Close()

		key := catalog.FuncKey{DB: db, Fn: fn}
		if err := store.Drop(cmd.Context(), key); err != nil {
			fatal("dropping %s: %v", key, err)
		}
		fmt.Printf("Dropped %s\n", key)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered functions",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openStore()
		if err != nil {
			fatal("opening catalog: %v", err)
		}
		defer store.Close()

		defs, err := store.List(cmd.Context())
		if err != nil {
			fatal("listing functions: %v", err)
		}
		for _, def := range defs {
			var params []string
			for _, p := range def.Params {
				params = append(params, p.Type.String())
			}
			fmt.Printf("%s\t%s(%s) %s\tstrict=%v\tversion=%d\n",
				def.Key, def.Name, strings.Join(params, ", "), def.Return, def.Strict, def.Version)
		}
	},
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Show the host target and configured cross-compilation targets",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log, err := setup()
		if err != nil {
			fatal("loading config: %v", err)
		}
		defer log.Sync()

		if cfg.Backend == config.BackendWasm {
			fmt.Printf("backend: wasm\nmodule target: %s\n", target.Wasm)
			return
		}

		host, err := target.Host(os.Getenv(target.EnvOverride))
		if err != nil {
			fatal("resolving host target: %v", err)
		}
		fmt.Printf("backend: native\nhost: %s\n", host)

		cross, err := target.Configured(cfg.CompilationTargets, host)
		if err != nil {
			fatal("parsing cross targets: %v", err)
		}
		for _, t := range cross {
			fmt.Printf("cross: %s\n", t)
		}
	},
}
