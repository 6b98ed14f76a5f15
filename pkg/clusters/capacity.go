package clusters

import (
	"strconv"

	"github.com/efortin/vllm-fleet/pkg/kubernetes"
	"github.com/efortin/vllm-fleet/pkg/model"
)

// Allocatable resource names summed into the cluster capacity.
const (
	GPUResource    = "nvidia.com/gpu"
	CPUResource    = "cpu"
	MemoryResource = "memory"
)

// AggregateCapacity sums GPU, CPU and memory allocatable across nodes.
// Nodes without allocatable data are skipped. Each quantity contributes the
// leading number of the text the API server returned, unit suffix dropped:
// "8", "8Gi" and "8000m" count 8, 8 and 8000.
func AggregateCapacity(nodes []kubernetes.NodeAllocatable) model.ClusterCapacity {
	var total model.ClusterCapacity
	for _, n := range nodes {
		if len(n.Allocatable) == 0 {
			continue
		}
		if q, ok := n.Allocatable[GPUResource]; ok {
			total.GPU += rawAmount(q)
		}
		if q, ok := n.Allocatable[CPUResource]; ok {
			total.CPU += rawAmount(q)
		}
		if q, ok := n.Allocatable[MemoryResource]; ok {
			total.Memory += rawAmount(q)
		}
	}
	return total
}

func rawAmount(s string) int64 {
	end := 0
	for end < len(s) {
		ch := s[end]
		if (ch >= '0' && ch <= '9') || ch == '.' || (end == 0 && (ch == '-' || ch == '+')) {
			end++
			continue
		}
		break
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0
	}
	return int64(f)
}
