package messaging

// Topic constants for bridge telemetry. Kafka topics and ZMQ frame prefixes
// use the same names.
const (
	TopicJobs         = "fpga.jobs"          // job loaded on the device
	TopicShares       = "fpga.shares"        // share sent upstream
	TopicShareResults = "fpga.share_results" // pool verdict
	TopicHashrate     = "fpga.hashrate"      // per-job work estimate
	TopicStatus       = "fpga.status"        // bridge snapshot
)
