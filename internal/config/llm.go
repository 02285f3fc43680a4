package config

// LLMConfig configures the remote code-generation service.
type LLMConfig struct {
	Endpoint         string `yaml:"endpoint"` // full URL of the messages endpoint
	APIKey           string `yaml:"api_key"`
	Model            string `yaml:"model"`
	MaxTokens        int    `yaml:"max_tokens"`
	Timeout          string `yaml:"timeout"`
	CredentialHeader string `yaml:"credential_header"` // header carrying APIKey
	APIVersion       string `yaml:"api_version"`       // sent as anthropic-version when set
	RequestRetries   int    `yaml:"request_retries"`   // retries on 429 only
}
