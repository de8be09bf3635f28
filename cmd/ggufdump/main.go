package main

import (
	"flag"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"bitllama-go/internal/gguf"
)

var typeNames = map[uint32]string{
	gguf.TypeF32:   "f32",
	gguf.TypeF16:   "f16",
	gguf.TypeI8:    "i8",
	gguf.TypeTQ2_0: "tq2_0",
	gguf.TypeI2_S:  "i2_s",
}

func main() {
	klog.InitFlags(nil)
	var (
		modelPath   = flag.String("model", "", "Path to GGUF file")
		showKV      = flag.Bool("kv", true, "Print GGUF key-values")
		kvPrefix    = flag.String("kv-prefix", "", "Only print KV keys with this prefix")
		showTensors = flag.Bool("tensors", true, "Print tensor directory")
		maxArray    = flag.Int("max-array", 8, "Print at most this many array elements")
	)
	flag.Parse()

	if *modelPath == "" {
		fmt.Fprintln(os.Stderr, "missing required --model")
		flag.Usage()
		os.Exit(2)
	}

	f, err := gguf.Open(*modelPath)
	if err != nil {
		klog.Exitf("read gguf: %v", err)
	}
	var total uint64
	for _, t := range f.Tensors {
		n, err := t.ElementCount()
		if err != nil {
			klog.Exitf("read gguf: %v", err)
		}
		total += n
	}
	fmt.Printf("model=%s version=%d tensors=%d kv=%d alignment=%d elements=%s\n",
		*modelPath, f.Version, f.TensorCount, f.KVCount, f.Alignment, humanize.Comma(int64(total)))

	if *showKV {
		fmt.Println("kv:")
		keys := make([]string, 0, len(f.KeyValues))
		for k := range f.KeyValues {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !strings.HasPrefix(k, *kvPrefix) {
				continue
			}
			fmt.Printf("  %s = %s\n", k, formatValue(f.KeyValues[k], *maxArray))
		}
	}

	if *showTensors {
		fmt.Println("tensors:")
		tensors := append([]gguf.TensorInfo(nil), f.Tensors...)
		sort.Slice(tensors, func(i, j int) bool {
			return tensors[i].Name < tensors[j].Name
		})
		for _, t := range tensors {
			name, ok := typeNames[t.Type]
			if !ok {
				name = fmt.Sprintf("type%d", t.Type)
			}
			fmt.Printf("  %s shape=%v type=%s offset=%d\n", t.Name, t.Shape(), name, t.Offset)
		}
	}
}

// formatValue prints scalars as is and truncates long arrays.
func formatValue(v any, maxArray int) string {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && rv.Len() > maxArray {
		return fmt.Sprintf("%v ... (%d items)", rv.Slice(0, maxArray).Interface(), rv.Len())
	}
	return fmt.Sprintf("%v", v)
}
