package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vanman2024/agentswarm/internal/config"
	"github.com/vanman2024/agentswarm/internal/orchestrator"
	"github.com/vanman2024/agentswarm/internal/workflow"
)

// deploymentView is the JSON rendering of a deployment.
type deploymentView struct {
	DeploymentID string           `json:"deployment_id"`
	StartTime    string           `json:"start_time"`
	Agents       map[string][]int `json:"agents"`
}

func renderDeployment(d *orchestrator.SwarmDeployment) deploymentView {
	agents := make(map[string][]int, len(d.Agents))
	for agentType, procs := range d.Agents {
		ids := make([]int, 0, len(procs))
		for _, proc := range procs {
			ids = append(ids, proc.InstanceID)
		}
		agents[agentType] = ids
	}
	return deploymentView{
		DeploymentID: d.DeploymentID,
		StartTime:    d.StartTime,
		Agents:       agents,
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	summary, err := s.services.Orchestrator.HealthCheck(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pools": summary})
}

func (s *Server) listDeployments(c *gin.Context) {
	deployments := s.services.Orchestrator.ListDeployments()
	views := make([]deploymentView, 0, len(deployments))
	for _, d := range deployments {
		views = append(views, renderDeployment(d))
	}
	c.JSON(http.StatusOK, gin.H{"deployments": views})
}

func (s *Server) getDeployment(c *gin.Context) {
	deployment, err := s.services.Orchestrator.GetDeployment(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, renderDeployment(deployment))
}

// createDeploymentRequest accepts either a full swarm configuration
// document or a compact "agent:count" instance specification.
type createDeploymentRequest struct {
	Agents     map[string]config.AgentConfig `json:"agents"`
	Deployment map[string]any                `json:"deployment"`
	Metadata   map[string]any                `json:"metadata"`
	Instances  string                        `json:"instances"`
	Task       string                        `json:"task"`
}

func (s *Server) createDeployment(c *gin.Context) {
	var req createDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var cfg *config.SwarmConfig
	var err error
	if req.Instances != "" {
		cfg, err = config.SwarmConfigFromInstances(req.Instances, req.Task)
	} else {
		cfg, err = config.NewSwarmConfig(req.Agents, req.Deployment, req.Metadata)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deployment, err := s.services.Orchestrator.DeploySwarm(c.Request.Context(), cfg)
	if err != nil {
		// A partial deployment is still persisted; report what came up
		// alongside the failure.
		if deployment != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":      err.Error(),
				"deployment": renderDeployment(deployment),
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, renderDeployment(deployment))
}

type scaleRequest struct {
	AgentType string `json:"agent_type" binding:"required"`
	Delta     int    `json:"delta" binding:"required"`
}

func (s *Server) scaleDeployment(c *gin.Context) {
	var req scaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	changed, err := s.services.Orchestrator.ScaleAgents(c.Request.Context(), req.AgentType, req.Delta, c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrUnknownDeployment) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	ids := make([]int, 0, len(changed))
	for _, proc := range changed {
		ids = append(ids, proc.InstanceID)
	}
	c.JSON(http.StatusOK, gin.H{"agent_type": req.AgentType, "delta": req.Delta, "instances": ids})
}

func (s *Server) shutdownDeployment(c *gin.Context) {
	force := c.Query("force") == "true"
	err := s.services.Orchestrator.ShutdownDeployment(c.Request.Context(), c.Param("id"), force)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrUnknownDeployment) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployment_id": c.Param("id"), "status": "shutdown"})
}

func (s *Server) listWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workflows": s.services.Registry.Names()})
}

type startExecutionRequest struct {
	Context map[string]any `json:"context"`
}

func (s *Server) startExecution(c *gin.Context) {
	def, ok := s.services.Registry.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		return
	}

	var req startExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	executionID, err := s.services.RunWorkflow(def, req.Context)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": executionID, "definition_id": def.ID})
}

func (s *Server) listExecutions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	executions, err := s.services.Store.List(workflow.ListFilter{
		Status:       workflow.Status(c.Query("status")),
		DefinitionID: c.Query("definition_id"),
		Limit:        limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (s *Server) getExecution(c *gin.Context) {
	execution, err := s.services.Engine.GetExecution(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, execution)
}

func (s *Server) deleteExecution(c *gin.Context) {
	deleted, err := s.services.Store.Delete(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": c.Param("id"), "status": "deleted"})
}

func (s *Server) cancelExecution(c *gin.Context) {
	if !s.services.Engine.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not active"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": c.Param("id"), "status": "cancelling"})
}

func (s *Server) executionMetrics(c *gin.Context) {
	metrics, err := s.services.Monitor.GetExecutionMetrics(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) systemMetrics(c *gin.Context) {
	metrics, err := s.services.Monitor.GetSystemMetrics()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}
