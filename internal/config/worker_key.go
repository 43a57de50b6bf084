package config

type WorkerKeyStruct struct {
	PersistAttemptResultsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAttemptResultsQueue: "persist_attempt_results_queue",
}
