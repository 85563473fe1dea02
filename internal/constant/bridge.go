package constant

const (
	ProductionEnvironment  = "production"
	DevelopmentEnvironment = "development"
)

const (
	MarketStreamName          = "bridge_market"
	MarketStreamSubjectAll    = "bridge_market.>"
	MarketStreamSubjectPrefix = "bridge_market.delta."

	CommandQueueName  = "bridge_command_queue"
	CommandQueueGroup = "bridge_command_group"

	CommandStreamName            = "bridge_command"
	CommandStreamSubjectAll      = "bridge_command.*"
	CommandStreamSubjectSubmit   = "bridge_command.submit"
	CommandStreamSubjectResponse = "bridge_command.response"
)

// Operation classes guarded by a circuit breaker.
const (
	OperationFileRead    = "file_read"
	OperationCommandExec = "command_exec"
)

const (
	WatchModeNotify = "notify"
	WatchModePoll   = "poll"
	WatchModeAuto   = "auto"

	TargetFormatJSON = "json"
	TargetFormatSCID = "scid"
)

const (
	OrderEntryPaper = "paper"
	OrderEntryHTTP  = "http"

	JournalFile     = "file"
	JournalPostgres = "postgres"

	PollCacheMemory = "memory"
	PollCacheRedis  = "redis"
)

const BridgeDatabase = "bridge"
