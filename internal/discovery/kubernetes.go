package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
	"github.com/KennLDN/mc-panel-docker/internal/logging"
)

const sourceKubernetes = "kubernetes"

// KubernetesSource lists labelled Services and advertises their cluster IPs.
type KubernetesSource struct {
	config config.KubernetesDiscoveryConfig
	client kubernetes.Interface
	logger *zap.Logger
}

// NewKubernetesSource builds a clientset from the in-cluster config or a kubeconfig file.
func NewKubernetesSource(cfg config.KubernetesDiscoveryConfig, logger *zap.Logger) (*KubernetesSource, error) {
	var (
		restConfig *rest.Config
		err        error
	)

	if cfg.InCluster {
		restConfig, err = rest.InClusterConfig()
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.ConfigPath)
	}

	if err != nil {
		return nil, customerrors.Wrap(err, "failed to load Kubernetes config").
			WithComponent("discovery_kubernetes")
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, customerrors.Wrap(err, "failed to create Kubernetes client").
			WithComponent("discovery_kubernetes")
	}

	return NewKubernetesSourceWithClient(client, cfg, logger), nil
}

// NewKubernetesSourceWithClient uses an existing clientset.
func NewKubernetesSourceWithClient(client kubernetes.Interface, cfg config.KubernetesDiscoveryConfig,
	logger *zap.Logger) *KubernetesSource {
	if cfg.Namespace == "" {
		cfg.Namespace = metav1.NamespaceDefault
	}

	if cfg.PortName == "" {
		cfg.PortName = DefaultKubernetesPortName
	}

	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = DefaultKubernetesRefreshRate
	}

	return &KubernetesSource{
		config: cfg,
		client: client,
		logger: logger.With(zap.String("source", sourceKubernetes)),
	}
}

// Name implements Source.
func (s *KubernetesSource) Name() string { return sourceKubernetes }

// Run implements Source. The Service list is polled every refresh interval.
func (s *KubernetesSource) Run(ctx context.Context, emit func(ServiceInfo)) error {
	s.logger.Info("starting Kubernetes discovery",
		zap.String("namespace", s.config.Namespace),
		zap.String("label_selector", s.config.LabelSelector))

	for {
		infos, err := s.List(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("Kubernetes service list failed",
				logging.WithError(customerrors.NewSourceError(sourceKubernetes, err))...)
		}

		for _, info := range infos {
			emit(info)
		}

		if !sleepCtx(ctx, s.config.RefreshRate) {
			return nil
		}
	}
}

// List returns one advertisement per matching Service.
func (s *KubernetesSource) List(ctx context.Context) ([]ServiceInfo, error) {
	services, err := s.client.CoreV1().Services(s.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: s.config.LabelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("list services in %s: %w", s.config.Namespace, err)
	}

	infos := make([]ServiceInfo, 0, len(services.Items))

	for i := range services.Items {
		if info, ok := s.serviceToInfo(&services.Items[i]); ok {
			infos = append(infos, info)
		}
	}

	return infos, nil
}

func (s *KubernetesSource) serviceToInfo(svc *v1.Service) (ServiceInfo, bool) {
	if svc.Spec.ClusterIP == "" || svc.Spec.ClusterIP == v1.ClusterIPNone || len(svc.Spec.Ports) == 0 {
		return ServiceInfo{}, false
	}

	port := svc.Spec.Ports[0].Port

	for _, p := range svc.Spec.Ports {
		if p.Name == s.config.PortName {
			port = p.Port

			break
		}
	}

	name := svc.Name
	if label, ok := svc.Labels[kubernetesNameLabel]; ok && label != "" {
		name = label
	}

	return ServiceInfo{
		Name:    name,
		Address: svc.Spec.ClusterIP,
		Port:    int(port),
		Source:  sourceKubernetes,
	}, true
}
