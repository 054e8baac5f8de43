package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/Scusemua/go-utils/config"

	grpcsvc "github.com/scusemua/remote-provisioner/grpc/provisionerservice"
	"github.com/scusemua/remote-provisioner/provisioner/adapter"
	"github.com/scusemua/remote-provisioner/provisioner/loadbalancer"
	"github.com/scusemua/remote-provisioner/provisioner/policy"
	"github.com/scusemua/remote-provisioner/provisioner/registry"
	"github.com/scusemua/remote-provisioner/provisioner/responsemanager"
)

const (
	ServiceName         = "provisionerd"
	defaultGrpcPort     = 8950
	defaultAwaitTimeout = 60 * time.Second
)

// Options configures the provisioner daemon process.
type Options struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	GrpcPort       int    `name:"grpc-port" json:"grpc-port" yaml:"grpc-port" description:"Port the Host API gRPC server listens on."`
	ConsulAddr     string `name:"consul" json:"consul" yaml:"consul" description:"Consul agent address for provisioner enable/disable membership. Empty disables Consul."`
	KubeconfigPath string `name:"kubeconfig" json:"kubeconfig" yaml:"kubeconfig" description:"Path to a kubeconfig file, used when not running in-cluster."`
}

func (o *Options) Validate() error {
	if o.GrpcPort <= 0 {
		o.GrpcPort = defaultGrpcPort
	}
	return nil
}

var (
	options      = Options{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)

	options.GrpcPort = defaultGrpcPort
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}
}

// buildRestConfig mirrors NewKubernetesAdapter's in-cluster-or-kubeconfig
// fallback, duplicated here because client-go doesn't expose the clientset's
// underlying rest.Config and the dynamic client needs one of its own.
func buildRestConfig(opts adapter.KubernetesOptions) (*rest.Config, error) {
	var restConfig *rest.Config
	var err error

	if opts.UseInClusterConfig {
		restConfig, err = rest.InClusterConfig()
	}
	if restConfig == nil {
		kubeconfig := opts.KubeconfigPath
		if kubeconfig == "" {
			kubeconfig = os.Getenv("KUBECONFIG")
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes client config: %w", err)
	}
	return restConfig, nil
}

// registerAdapters populates reg with every backend this engine ships,
// gated by the env vars each one's ...OptionsFromEnv/Requirement reads.
func registerAdapters(reg *registry.Registry) {
	kubeOpts := adapter.KubernetesOptionsFromEnv(os.Getenv)
	kubeOpts.KubeconfigPath = options.KubeconfigPath

	reg.Register(registry.ProvisionerKubernetes, func() (adapter.Adapter, error) {
		return adapter.NewKubernetesAdapter(kubeOpts)
	}, registry.RequireEnv("KERNEL_IMAGE"))

	reg.Register(registry.ProvisionerSparkOperator, func() (adapter.Adapter, error) {
		restConfig, err := buildRestConfig(kubeOpts)
		if err != nil {
			return nil, err
		}
		dynClient, err := dynamic.NewForConfig(restConfig)
		if err != nil {
			return nil, fmt.Errorf("building dynamic client for spark-operator: %w", err)
		}
		return adapter.NewSparkOperatorAdapter(dynClient, kubeOpts), nil
	}, registry.RequireEnv("KERNEL_IMAGE"))

	reg.Register(registry.ProvisionerDocker, func() (adapter.Adapter, error) {
		return adapter.NewDockerAdapter(os.Getenv("DOCKER_NETWORK"))
	}, registry.RequireEnv("KERNEL_IMAGE"))

	reg.Register(registry.ProvisionerDockerSwarm, func() (adapter.Adapter, error) {
		return adapter.NewDockerSwarmAdapter(os.Getenv("DOCKER_NETWORK"))
	}, registry.RequireEnv("KERNEL_IMAGE"))

	reg.Register(registry.ProvisionerYarn, func() (adapter.Adapter, error) {
		return adapter.NewYarnAdapter(adapter.YarnOptionsFromEnv(os.Getenv)), nil
	}, registry.RequireAnyEnv("YARN_ENDPOINT", "HADOOP_CONF_DIR"))

	reg.Register(registry.ProvisionerDistributed, func() (adapter.Adapter, error) {
		pool := loadbalancer.OptionsFromEnv(os.Getenv)
		return adapter.NewDistributedAdapter(adapter.DistributedOptionsFromEnv(os.Getenv, globalLogger, pool)), nil
	}, registry.RequireEnv("GP_REMOTE_HOSTS"))
}

// environToMap turns os.Environ()'s "KEY=VALUE" slice into the map shape
// policy.LoadGlobalPolicy reads, the same conversion the teacher's daemon
// does implicitly by reading os.Getenv directly everywhere else.
func environToMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}

func main() {
	ValidateOptions()
	globalLogger.Info("Starting %s...", ServiceName)

	global, err := policy.LoadGlobalPolicy(environToMap(os.Environ()))
	if err != nil {
		log.Fatalf("Failed to load global policy: %v", err)
	}

	awaitTimeout := defaultAwaitTimeout
	if global.LaunchTimeoutSeconds > 0 {
		awaitTimeout = time.Duration(global.LaunchTimeoutSeconds) * time.Second
	}

	respMgr, err := responsemanager.New(responsemanager.OptionsFromEnv(os.Getenv, awaitTimeout))
	if err != nil {
		log.Fatalf("Failed to start response manager: %v", err)
	}
	respMgr.Start()
	globalLogger.Info("Response manager listening at %s", respMgr.ResponseAddress())

	reg := registry.New(registry.Options{ConsulAddress: options.ConsulAddr})
	registerAdapters(reg)
	globalLogger.Info("Registered provisioners: %s", strings.Join(reg.Names(), ", "))

	server := grpcsvc.NewServer(reg, respMgr, global)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", options.GrpcPort))
	if err != nil {
		log.Fatalf("Failed to listen on grpc port %d: %v", options.GrpcPort, err)
	}

	grpcServer := grpc.NewServer()
	grpcsvc.RegisterProvisionerServiceServer(grpcServer, server)

	globalLogger.Info("Host API gRPC server listening at %v", listener.Addr())

	go func() {
		<-sig
		globalLogger.Info("Shutting down...")
		grpcServer.Stop()
		respMgr.Stop()
		_ = listener.Close()
	}()

	if err := grpcServer.Serve(listener); err != nil {
		log.Printf("gRPC server exited: %v", err)
	}
}
