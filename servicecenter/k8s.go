package servicecenter

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"neptune/constants"
)

var _ ServiceCenter = (*k8sServiceCenter)(nil)

func newK8sClient() (kubernetes.Interface, error) {
	config, err := clientcmd.BuildConfigFromFlags("", "")
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(config)
}

func newK8sServiceCenter(client kubernetes.Interface) *k8sServiceCenter {
	return &k8sServiceCenter{clientSet: client, timeout: 5 * time.Second}
}

// k8sServiceCenter reads pods behind the Service labelled app=<name>.
// Registration is done by the deployment itself.
type k8sServiceCenter struct {
	clientSet kubernetes.Interface
	timeout   time.Duration
}

func (k *k8sServiceCenter) Register(RegisterParam) (bool, error) {
	return true, nil
}

func (k *k8sServiceCenter) Deregister(RegisterParam) (bool, error) {
	return true, nil
}

func (k *k8sServiceCenter) GetService(name string) (Service, error) {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	api := k.clientSet.CoreV1()

	labelSelector := v1.LabelSelector{MatchLabels: map[string]string{"app": name}}
	listOptions := v1.ListOptions{LabelSelector: labels.Set(labelSelector.MatchLabels).String()}

	serviceList, err := api.Services(constants.K8S_NAMESPACE).List(ctx, listOptions)
	if err != nil {
		return Service{}, err
	}
	if len(serviceList.Items) == 0 || len(serviceList.Items[0].Spec.Ports) == 0 {
		return Service{}, fmt.Errorf("service with label: 'app: %s' not found", name)
	}
	port := uint64(serviceList.Items[0].Spec.Ports[0].Port)
	podList, err := api.Pods(constants.K8S_NAMESPACE).List(ctx, listOptions)
	if err != nil {
		return Service{}, err
	}

	var hosts []Instance
	for _, p := range podList.Items {
		if p.Status.PodIP == "" {
			continue
		}
		hosts = append(hosts, Instance{Ip: p.Status.PodIP, Port: port, Healthy: podReady(&p)})
	}
	sortHosts(hosts)
	return Service{Name: name, Hosts: hosts}, nil
}

func (k *k8sServiceCenter) Close() error { return nil }

func podReady(p *corev1.Pod) bool {
	for _, c := range p.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}
