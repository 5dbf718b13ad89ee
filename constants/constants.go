package constants

const (
	NACOS_GROUP               = "neptune"
	K8S_NAMESPACE             = "default"
	K8S_CONFIGMAP_CONTENT_KEY = "content"
	K8S_APP_LABEL             = "neptune"
	K8S_LEASE_NAME            = "neptune-jobmanager"
	ETCD_SERVER_PREFIX        = "/neptune/servers/"
	ETCD_ELECTION_PREFIX      = "/neptune/election/"
	DEFAULT_SERVICE_NAME      = "neptune-jobmanager"
	DEFAULT_CONFIG_ID         = "neptune-jobmanager"
)

// event center topics
const (
	TOPIC_WORKER_LOST       = "worker.lost"
	TOPIC_WORKFLOW          = "instance.workflow"
	TOPIC_INSTANCE_FINISHED = "instance.finished"
	TOPIC_ALERT             = "alert"
)
