// Command natprobe is a command line NAT traversal probe built on this
// module's discovery and turn clients. It walks a STUN binding (mode
// stun) or a full TURN allocate/refresh/permission/channel lifecycle
// (mode turn) against a configured server and, in turn mode, echoes
// relayed payloads to a configured peer -- the same shape as
// gortcd-turn-client's demo, but driving this module's client state
// machines instead of building raw STUN messages by hand.
package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "natprobe",
	Short: "natprobe resolves a STUN/TURN server and probes NAT reachability through it",
	Run:   runProbe,
}

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.Flags()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: natprobe.yml in ., /etc/natprobe/ or $HOME)")
	f.StringP("server", "s", "", "server name/addr to resolve via SRV, e.g. turn.example.org")
	f.String("server-ip", "", "bypass DNS and talk directly to this IP (host-only, port from --server-port)")
	f.Int("server-port", 3478, "port used with --server-ip")
	f.String("mode", "turn", "probe mode: stun (binding only) or turn (full allocation)")
	f.String("listen", "0.0.0.0:0", "local UDP address to probe from")
	f.String("username", "", "TURN long-term credential username")
	f.String("password", "", "TURN long-term credential password")
	f.String("realm", "", "TURN realm hint, if known in advance")
	f.Bool("channel-binding", true, "bind a channel once permissions are installed")
	f.Bool("force-tcp", false, "restrict candidate enumeration to TCP")
	f.Bool("background-demo", false, "install a SIGUSR1/SIGUSR2 backgrounding demo (unix only)")
	f.String("peer-addr", "", "peer IP to send relayed echo traffic to, once ready")
	f.Bool("peer", false, "run as the echo peer instead of the probing client")
	f.String("peer-listen", "0.0.0.0:40002", "listen address when running with --peer")
	f.String("metrics-addr", "", "address to serve prometheus metrics on, if set")
	f.String("pprof", "", "address to serve net/http/pprof on, if set")
	f.Bool("dev", false, "use zap's development logger config")

	mustBind(viper.BindPFlag("server", f.Lookup("server")))
	mustBind(viper.BindPFlag("server-ip", f.Lookup("server-ip")))
	mustBind(viper.BindPFlag("server-port", f.Lookup("server-port")))
	mustBind(viper.BindPFlag("mode", f.Lookup("mode")))
	mustBind(viper.BindPFlag("listen", f.Lookup("listen")))
	mustBind(viper.BindPFlag("auth.username", f.Lookup("username")))
	mustBind(viper.BindPFlag("auth.password", f.Lookup("password")))
	mustBind(viper.BindPFlag("auth.realm", f.Lookup("realm")))
	mustBind(viper.BindPFlag("channel-binding", f.Lookup("channel-binding")))
	mustBind(viper.BindPFlag("force-tcp", f.Lookup("force-tcp")))
	mustBind(viper.BindPFlag("background-demo", f.Lookup("background-demo")))
	mustBind(viper.BindPFlag("peer.addr", f.Lookup("peer-addr")))
	mustBind(viper.BindPFlag("peer.enabled", f.Lookup("peer")))
	mustBind(viper.BindPFlag("peer.listen", f.Lookup("peer-listen")))
	mustBind(viper.BindPFlag("metrics.addr", f.Lookup("metrics-addr")))
	mustBind(viper.BindPFlag("pprof", f.Lookup("pprof")))
	mustBind(viper.BindPFlag("dev", f.Lookup("dev")))
}

func mustBind(err error) {
	if err != nil {
		log.Fatalln("failed to bind flag:", err)
	}
}

// initConfig resolves the config file: an explicit --config path wins,
// otherwise natprobe.yml is looked for in the working directory,
// /etc/natprobe/, and the user's home directory. A missing file is not
// fatal; a probe tool should run fine off flags alone.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			log.Fatalln("failed to find home directory:", err)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/natprobe/")
		viper.AddConfigPath(home)
		viper.SetConfigName("natprobe")
		viper.SetConfigType("yaml")
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalln("failed to read config:", err)
		}
	}
}

// getZapConfig decodes logging configuration: a "probe.log" section of
// the config file layered over sane defaults, with --dev switching to
// zap.NewDevelopmentConfig (whose timestamps are wall-clock ISO8601).
func getZapConfig() (zap.Config, error) {
	type cfgWrapper struct {
		Probe struct {
			Log zap.Config `yaml:"log"`
		} `yaml:"probe"`
	}

	d := zap.Config{
		DisableCaller:     true,
		DisableStacktrace: true,
		Level:             zap.NewAtomicLevel(),
		Encoding:          "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			MessageKey:     "msg",
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if viper.GetBool("dev") {
		d = zap.NewDevelopmentConfig()
		d.DisableCaller = true
		d.DisableStacktrace = true
	}
	if viper.ConfigFileUsed() == "" {
		return d, nil
	}

	raw := &cfgWrapper{}
	raw.Probe.Log = d
	f, openErr := os.Open(viper.ConfigFileUsed())
	if openErr != nil {
		return d, openErr
	}
	defer f.Close()
	buf, readErr := io.ReadAll(f)
	if readErr != nil {
		return d, readErr
	}
	return raw.Probe.Log, yaml.Unmarshal(buf, &raw)
}

func runMetricsAndPprof(l *zap.Logger, reg *prometheus.Registry) {
	if addr := viper.GetString("metrics.addr"); addr != "" {
		l.Warn("running prometheus metrics", zap.String("addr", addr))
		go func() {
			h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
				ErrorLog:      zap.NewStdLog(l),
				ErrorHandling: promhttp.HTTPErrorOnError,
			})
			if err := http.ListenAndServe(addr, h); err != nil {
				l.Error("prometheus listener failed", zap.String("addr", addr), zap.Error(err))
			}
		}()
	}
	if addr := viper.GetString("pprof"); addr != "" {
		l.Warn("running pprof", zap.String("addr", addr))
		go func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/debug/pprof/", pprof.Index)
			mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
			if err := http.ListenAndServe(addr, mux); err != nil {
				l.Error("pprof listener failed", zap.String("addr", addr), zap.Error(err))
			}
		}()
	}
}

func normalizeListen(addr string) string {
	if addr == "" {
		return "0.0.0.0:0"
	}
	if !strings.Contains(addr, ":") {
		return addr + ":0"
	}
	return addr
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}
