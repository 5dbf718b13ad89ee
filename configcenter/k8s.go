package configcenter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"neptune/constants"
)

var _ backend = (*k8sBackend)(nil)

func newK8sBackend(namespace string, logger *zap.Logger) (*k8sBackend, error) {
	config, err := clientcmd.BuildConfigFromFlags("", "")
	if err != nil {
		return nil, fmt.Errorf("configcenter: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("configcenter: %w", err)
	}
	return newK8sBackendWith(clientset, namespace, logger), nil
}

func newK8sBackendWith(client kubernetes.Interface, namespace string, logger *zap.Logger) *k8sBackend {
	if namespace == "" {
		namespace = constants.K8S_NAMESPACE
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &k8sBackend{
		clientSet: client,
		namespace: namespace,
		timeout:   5 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(zap.String("backend", K8S)),
	}
}

// k8sBackend keeps each document in the content key of a ConfigMap named by its id.
type k8sBackend struct {
	clientSet kubernetes.Interface
	namespace string
	timeout   time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
}

func (k *k8sBackend) Group() string { return k.namespace }

func (k *k8sBackend) Get(id string) (Config, error) {
	ctx, cancel := context.WithTimeout(k.ctx, k.timeout)
	defer cancel()
	configMap, err := k.clientSet.CoreV1().ConfigMaps(k.namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		return Config{}, err
	}
	return k.toConfig(configMap), nil
}

func (k *k8sBackend) toConfig(cm *v1.ConfigMap) Config {
	return Config{ID: cm.Name, Group: k.namespace, Content: cm.Data[constants.K8S_CONFIGMAP_CONTENT_KEY]}
}

func (k *k8sBackend) Save(config Config) error {
	ctx, cancel := context.WithTimeout(k.ctx, k.timeout)
	defer cancel()
	configMap := &v1.ConfigMap{
		TypeMeta: metav1.TypeMeta{
			Kind:       "ConfigMap",
			APIVersion: "v1",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      config.ID,
			Namespace: k.namespace,
			Labels:    map[string]string{"app": constants.K8S_APP_LABEL},
		},
		Data: map[string]string{constants.K8S_CONFIGMAP_CONTENT_KEY: config.Content},
	}
	api := k.clientSet.CoreV1().ConfigMaps(k.namespace)
	_, err := api.Create(ctx, configMap, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = api.Update(ctx, configMap, metav1.UpdateOptions{})
	}
	return err
}

// Watch follows the ConfigMap named id until Close, watching again when the
// server ends the stream.
func (k *k8sBackend) Watch(id string, handler func(config Config)) error {
	w, err := k.watch(id)
	if err != nil {
		return err
	}
	go func() {
		for {
			k.drain(w, id, handler)
			if k.ctx.Err() != nil {
				return
			}
			for {
				if w, err = k.watch(id); err == nil {
					break
				}
				k.logger.Warn("watch config map failed", zap.String("id", id), zap.Error(err))
				select {
				case <-k.ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}()
	return nil
}

func (k *k8sBackend) watch(id string) (watch.Interface, error) {
	return k.clientSet.CoreV1().ConfigMaps(k.namespace).Watch(k.ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + id,
	})
}

func (k *k8sBackend) drain(w watch.Interface, id string, handler func(config Config)) {
	defer w.Stop()
	for {
		select {
		case <-k.ctx.Done():
			return
		case e, ok := <-w.ResultChan():
			if !ok {
				return
			}
			if e.Type != watch.Added && e.Type != watch.Modified {
				continue
			}
			cm, ok := e.Object.(*v1.ConfigMap)
			if !ok || cm.Name != id {
				continue
			}
			handler(k.toConfig(cm))
		}
	}
}

func (k *k8sBackend) Close() error {
	k.cancel()
	return nil
}
