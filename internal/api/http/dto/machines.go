package dto

type CreateMachineRequest struct {
	Name string `json:"name" binding:"required,min=1,max=255"`
}

type MachineResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Online       bool   `json:"online"`
	LastSeen     string `json:"last_seen"`
	SessionCount int    `json:"session_count"`
}

// CreateMachineResponse carries the plaintext enrollment token. It is shown
// exactly once; only its hash is stored.
type CreateMachineResponse struct {
	Machine MachineResponse `json:"machine"`
	Token   string          `json:"token"`
}

type ListMachinesResponse struct {
	Machines []MachineResponse `json:"machines"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
