package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hermit-sh/hermit/internal/api/http/dto"
	"github.com/hermit-sh/hermit/internal/machines"
	"github.com/hermit-sh/hermit/internal/relay/registry"
)

type MachinesHandler struct {
	machines *machines.Service
	agents   *registry.AgentRegistry
}

func NewMachinesHandler(machineService *machines.Service, agents *registry.AgentRegistry) *MachinesHandler {
	return &MachinesHandler{
		machines: machineService,
		agents:   agents,
	}
}

// List returns all machines for the authenticated user, with live status.
// GET /api/machines
func (h *MachinesHandler) List(c *gin.Context) {
	userID := c.GetString("user_id")

	owned, err := h.machines.FindByUser(c.Request.Context(), userID)
	if err != nil {
		slog.Error("Failed to list machines", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list machines"})
		return
	}

	responses := make([]dto.MachineResponse, len(owned))
	for i := range owned {
		responses[i] = h.toResponse(&owned[i])
	}

	c.JSON(http.StatusOK, dto.ListMachinesResponse{Machines: responses})
}

// Create enrolls a new machine and returns its token. The token cannot be
// retrieved again.
// POST /api/machines
func (h *MachinesHandler) Create(c *gin.Context) {
	userID := c.GetString("user_id")

	var req dto.CreateMachineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	machine, token, err := h.machines.Create(c.Request.Context(), userID, req.Name)
	if err != nil {
		if errors.Is(err, machines.ErrNameExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "machine with this name already exists"})
			return
		}
		slog.Error("Failed to create machine", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create machine"})
		return
	}

	c.JSON(http.StatusCreated, dto.CreateMachineResponse{
		Machine: h.toResponse(machine),
		Token:   token,
	})
}

// Get returns one machine.
// GET /api/machines/:id
func (h *MachinesHandler) Get(c *gin.Context) {
	userID := c.GetString("user_id")

	machine, err := h.machines.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil || machine.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "machine not found"})
		return
	}

	c.JSON(http.StatusOK, h.toResponse(machine))
}

func (h *MachinesHandler) toResponse(m *machines.Machine) dto.MachineResponse {
	return dto.MachineResponse{
		ID:           m.ID,
		Name:         m.Name,
		Online:       h.agents.IsOnline(m.ID),
		LastSeen:     m.LastSeenString(),
		SessionCount: h.agents.SessionCount(m.ID),
	}
}
