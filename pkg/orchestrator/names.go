package orchestrator

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// MaxObjectNameLength bounds every cluster object name derived from user
// input.
const MaxObjectNameLength = 50

const (
	deploymentPrefix = "vllm-"
	serviceSuffix    = "-svc"
	servicePort      = 8000
)

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9-]`)

// SanitizeName lowercases s and replaces every character outside
// [a-z0-9-] with a hyphen.
func SanitizeName(s string) string {
	return unsafeNameChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
}

// boundName truncates s to MaxObjectNameLength and trims hyphens from both
// ends so the result stays a valid DNS label.
func boundName(s string) string {
	if len(s) > MaxObjectNameLength {
		s = s[:MaxObjectNameLength]
	}
	return strings.Trim(s, "-")
}

// DeploymentObjectNames derives the deployment and service names for a
// human deployment name. Each is bounded independently.
func DeploymentObjectNames(name string) (deployment, service string) {
	base := strings.TrimRight(deploymentPrefix+SanitizeName(name), "-")
	return boundName(base), boundName(base + serviceSuffix)
}

// JobObjectName derives the cluster name of a training job.
func JobObjectName(name string) string {
	return boundName(SanitizeName(name))
}

// ServiceURL is the in-cluster URL of a deployment's service.
func ServiceURL(service, namespace string) string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", service, namespace, servicePort)
}

// NormalizeCredential accepts a kubeconfig either as YAML or as Base64 of
// the YAML. Text that already looks like a kubeconfig, or does not decode,
// is returned unchanged.
func NormalizeCredential(credential string) string {
	if strings.Contains(credential, "apiVersion") || strings.Contains(credential, "clusters:") {
		return credential
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(credential))
	if err != nil {
		return credential
	}
	return string(raw)
}
