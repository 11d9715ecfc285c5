package domain

// EngineKind selects which external compute engine consumes a worker's work
// file. The engine determines the result-log format; it is configured, never
// sniffed from log content.
type EngineKind string

const (
	EngineMlucas    EngineKind = "mlucas"
	EngineGpuOwl    EngineKind = "gpuowl"
	EngineCUDALucas EngineKind = "cudalucas"
)

// Capability describes the hardware a worker runs on. The fields mirror what
// the server's computer-update transaction accepts.
type Capability struct {
	CPUModel       string `yaml:"cpu_model"`
	Features       string `yaml:"features"`
	FrequencyMHz   int    `yaml:"frequency"`
	MemoryMiB      int    `yaml:"memory"`
	L1CacheKiB     int    `yaml:"l1"`
	L2CacheKiB     int    `yaml:"l2"`
	Cores          int    `yaml:"cores"`
	ThreadsPerCore int    `yaml:"threads_per_core"`
}

// Worker is one logical local compute slot, bound to exactly one work file
// and one results file that no other worker shares.
type Worker struct {
	Index       int        `yaml:"index"`
	Dir         string     `yaml:"dir"`
	WorkFile    string     `yaml:"workfile"`
	ResultsFile string     `yaml:"resultsfile"`
	// LogFile is the engine's progress/output file, relative to Dir. Empty
	// selects the engine's conventional name.
	LogFile    string     `yaml:"logfile"`
	Engine     EngineKind `yaml:"engine"`
	WorkType   WorkType   `yaml:"worktype"`
	Capability Capability `yaml:"capability"`
}
