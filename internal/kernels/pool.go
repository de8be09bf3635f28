package kernels

import (
	"runtime"
	"sync"

	"bitllama-go/internal/packed"
)

// packedTask computes output elements [start, end) of a flattened (m, Out) result.
type packedTask struct {
	dst   []float32
	x     []float32
	w     *packed.Weight
	start int
	end   int
	wg    *sync.WaitGroup
}

var (
	packedPoolEnabled = envInt("BITLLAMA_KERNEL_POOL", 1) != 0
	packedPoolWorkers = envInt("BITLLAMA_KERNEL_WORKERS", 0)
	packedParMinWork  = envIntArch("BITLLAMA_PACKED_PAR_MIN_WORK", 1<<15)
)

var (
	packedPoolOnce sync.Once
	packedPoolCh   chan packedTask
	packedPoolSize int
)

func poolWorkers() int {
	workers := packedPoolWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

func initPackedPool() {
	packedPoolSize = poolWorkers()
	packedPoolCh = make(chan packedTask, packedPoolSize*2)
	for i := 0; i < packedPoolSize; i++ {
		go func() {
			for task := range packedPoolCh {
				runPackedTask(task)
			}
		}()
	}
}

func runPackedTask(task packedTask) {
	matMulPackedRange(task.dst, task.x, task.w, task.start, task.end)
	task.wg.Done()
}

func submitPackedTask(task packedTask) {
	if !packedPoolEnabled {
		runPackedTask(task)
		return
	}
	packedPoolOnce.Do(initPackedPool)
	packedPoolCh <- task
}
