package api

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type CreateSessionRequest struct {
	// Tokens optionally primes the new session.
	Tokens []int `json:"tokens,omitempty"`
}

type SessionResponse struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	CreatedAt int64  `json:"created_at"`
	Tokens    int    `json:"tokens"`
}

type ForwardRequest struct {
	Tokens     []int `json:"tokens"`
	FullOutput bool  `json:"full_output,omitempty"`
	// TopK > 0 returns the k best tokens per row instead of raw scores.
	TopK int `json:"top_k,omitempty"`
}

type TokenScore struct {
	Token int     `json:"token"`
	Score float32 `json:"score"`
}

type ForwardResponse struct {
	ID     string         `json:"id"`
	Object string         `json:"object"`
	Tokens int            `json:"tokens"`
	Scores [][]float32    `json:"scores,omitempty"`
	Top    [][]TokenScore `json:"top,omitempty"`
}

type DeleteSessionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type StrategyResponse struct {
	Strategy     string   `json:"strategy"`
	NLayer       int      `json:"n_layer"`
	NEmbd        int      `json:"n_embd"`
	NVocab       int      `json:"n_vocab"`
	RescaleLayer int      `json:"rescale_layer"`
	Backend      string   `json:"backend"`
	Preconverted bool     `json:"preconverted"`
	Slots        []string `json:"slots"`
	Report       string   `json:"report"`
}
