package envvar

const (
	// TfconvEnv is the environment variable used to determine the environment
	TfconvEnv = "TFCONV_ENV"

	// TfconvConfig is the environment variable used to locate the config file
	TfconvConfig = "TFCONV_CONFIG"

	// TfconvInputPath is the environment variable overriding the SavedModel directory
	TfconvInputPath = "TFCONV_INPUT_PATH"

	// TfconvOutputPath is the environment variable overriding the TFLite output file
	TfconvOutputPath = "TFCONV_OUTPUT_PATH"

	// TfconvLogFile is the environment variable overriding the log file path
	TfconvLogFile = "TFCONV_LOG_FILE"
)
