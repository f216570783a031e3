package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/turnwatch/turnwatch-server/internal/combat"
	"github.com/turnwatch/turnwatch-server/internal/encounter"
	"github.com/turnwatch/turnwatch-server/internal/user"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Email    string `json:"email" validate:"omitempty,email"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"required,oneof=DM PLAYER SPECTATOR"`
}

func (s *Server) handleRegister(c echo.Context) error {
	var req registerRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	u, err := s.users.Register(c.Request().Context(), req.Username, req.Email, req.Password, user.Role(req.Role))
	if err != nil {
		if err == user.ErrUsernameTaken {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, u)
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	u, err := s.users.Authenticate(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	sess := s.sessions.CreateSession(u.ID, u.Username)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"token": sess.ID,
		"user":  u,
	})
}

func (s *Server) handleLogout(c echo.Context) error {
	s.sessions.RemoveSession(currentSession(c).ID)
	return c.NoContent(http.StatusNoContent)
}

type createEncounterRequest struct {
	Name       string `json:"name" validate:"required,max=128"`
	Difficulty string `json:"difficulty" validate:"omitempty,oneof=TRIVIAL EASY MEDIUM HARD DEADLY"`
}

func (s *Server) handleCreateEncounter(c echo.Context) error {
	var req createEncounterRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	enc := s.encounters.CreateEncounter(req.Name, currentSession(c).UserID, encounter.Difficulty(req.Difficulty))
	if err := s.persistEncounter(c, enc); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, enc.Snapshot())
}

// persistEncounter writes the encounter's current snapshot through the
// durable store.
func (s *Server) persistEncounter(c echo.Context, enc *encounter.Encounter) error {
	if err := s.encounterStore.Save(c.Request().Context(), enc.Snapshot()); err != nil {
		s.logger.Error("failed to persist encounter",
			zap.String("encounter_id", enc.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "persistence failure")
	}
	return nil
}

func (s *Server) handleListEncounters(c echo.Context) error {
	all := s.encounters.GetAllEncounters()
	out := make([]encounter.Snapshot, 0, len(all))
	for _, enc := range all {
		out = append(out, enc.Snapshot())
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetEncounter(c echo.Context) error {
	enc, ok := s.encounters.GetEncounter(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "encounter not found")
	}
	return c.JSON(http.StatusOK, enc.Snapshot())
}

func (s *Server) handleDeleteEncounter(c echo.Context) error {
	id := c.Param("id")
	if err := s.encounters.RemoveEncounter(id); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err := s.encounterStore.Delete(c.Request().Context(), id); err != nil {
		s.logger.Error("failed to delete encounter",
			zap.String("encounter_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "persistence failure")
	}
	return c.NoContent(http.StatusNoContent)
}

type addEncounterParticipantRequest struct {
	CharacterID string `json:"characterId" validate:"required"`
	CustomName  string `json:"customName" validate:"omitempty,max=128"`
}

func (s *Server) handleAddEncounterParticipant(c echo.Context) error {
	enc, ok := s.encounters.GetEncounter(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "encounter not found")
	}

	var req addEncounterParticipantRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	p, err := enc.AddParticipant(req.CharacterID, req.CustomName)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err := s.persistEncounter(c, enc); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleRemoveEncounterParticipant(c echo.Context) error {
	enc, ok := s.encounters.GetEncounter(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "encounter not found")
	}
	if err := enc.RemoveParticipant(c.Param("participantId")); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err := s.persistEncounter(c, enc); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type addLairActionRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description" validate:"omitempty,max=1024"`
	Initiative  int    `json:"initiative" validate:"min=0,max=30"`
}

func (s *Server) handleAddLairAction(c echo.Context) error {
	enc, ok := s.encounters.GetEncounter(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "encounter not found")
	}

	var req addLairActionRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	la, err := enc.AddLairAction(req.Name, req.Description, req.Initiative)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err := s.persistEncounter(c, enc); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, la)
}

func (s *Server) handleRemoveLairAction(c echo.Context) error {
	enc, ok := s.encounters.GetEncounter(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "encounter not found")
	}
	if err := enc.RemoveLairAction(c.Param("lairActionId")); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err := s.persistEncounter(c, enc); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type combatParticipantRequest struct {
	ParticipantID string `json:"participantId"`
	CharacterID   string `json:"characterId"`
	Name          string `json:"name" validate:"required,max=128"`
	IsPlayer      bool   `json:"isPlayer"`
	Dexterity     int    `json:"dexterity" validate:"min=1,max=30"`
	MaxHP         int    `json:"maxHp" validate:"required,min=1"`
	CurrentHP     *int   `json:"currentHp" validate:"omitempty,min=0"`
	ArmorClass    int    `json:"armorClass" validate:"min=0,max=35"`
	Initiative    *int   `json:"initiative" validate:"omitempty,min=1,max=40"`
}

func (r combatParticipantRequest) setup() combat.ParticipantSetup {
	currentHP := r.MaxHP
	if r.CurrentHP != nil {
		currentHP = *r.CurrentHP
	}
	return combat.ParticipantSetup{
		ParticipantID: r.ParticipantID,
		CharacterID:   r.CharacterID,
		Name:          r.Name,
		IsPlayer:      r.IsPlayer,
		Dexterity:     r.Dexterity,
		MaxHP:         r.MaxHP,
		CurrentHP:     currentHP,
		ArmorClass:    r.ArmorClass,
		Initiative:    r.Initiative,
	}
}

type createCombatRequest struct {
	Participants []combatParticipantRequest `json:"participants" validate:"required,min=1,dive"`
}

func (s *Server) handleCreateCombat(c echo.Context) error {
	enc, ok := s.encounters.GetEncounter(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "encounter not found")
	}

	var req createCombatRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	setups := make([]combat.ParticipantSetup, 0, len(req.Participants))
	for _, p := range req.Participants {
		setups = append(setups, p.setup())
	}

	cb, err := s.combats.CreateCombat(c.Request().Context(), enc, setups)
	if err != nil {
		return httpError(err)
	}
	if s.metrics != nil {
		s.metrics.CombatsActive.Inc()
	}
	return c.JSON(http.StatusCreated, cb.Snapshot())
}

func (s *Server) handleGetCombat(c echo.Context) error {
	cb, ok := s.combats.GetCombat(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "combat not found")
	}
	return c.JSON(http.StatusOK, cb.Snapshot())
}

func (s *Server) handleRemoveCombat(c echo.Context) error {
	if err := s.combats.RemoveCombat(c.Param("id")); err != nil {
		return httpError(err)
	}
	if s.metrics != nil {
		s.metrics.CombatsActive.Dec()
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetLog(c echo.Context) error {
	combatID := c.Param("id")
	if _, ok := s.combats.GetCombat(combatID); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "combat not found")
	}

	var since uint64
	if raw := c.QueryParam("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since parameter")
		}
		since = parsed
	}
	return c.JSON(http.StatusOK, s.journal.Replay(combatID, since))
}

type rollInitiativeRequest struct {
	// Rolls overrides the engine roll for the keyed participant IDs.
	Rolls map[string]int `json:"rolls"`
}

func (s *Server) handleRollInitiative(c echo.Context) error {
	var req rollInitiativeRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	return s.respond(c, "rollInitiative")(s.combats.RollInitiative(c.Request().Context(), c.Param("id"), req.Rolls))
}

func (s *Server) handleStart(c echo.Context) error {
	return s.respond(c, "start")(s.combats.Start(c.Request().Context(), c.Param("id")))
}

func (s *Server) handlePause(c echo.Context) error {
	return s.respond(c, "pause")(s.combats.Pause(c.Request().Context(), c.Param("id")))
}

func (s *Server) handleResume(c echo.Context) error {
	return s.respond(c, "resume")(s.combats.Resume(c.Request().Context(), c.Param("id")))
}

type endCombatRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=COMPLETED CANCELLED"`
}

func (s *Server) handleEnd(c echo.Context) error {
	var req endCombatRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	outcome := combat.StatusCompleted
	if req.Outcome == "CANCELLED" {
		outcome = combat.StatusCancelled
	}
	return s.respond(c, "end")(s.combats.End(c.Request().Context(), c.Param("id"), outcome))
}

func (s *Server) handleNextTurn(c echo.Context) error {
	return s.respond(c, "nextTurn")(s.combats.NextTurn(c.Request().Context(), c.Param("id")))
}

type damageRequest struct {
	ParticipantID string `json:"participantId" validate:"required"`
	Amount        int    `json:"amount" validate:"min=0"`
	DamageType    string `json:"damageType" validate:"omitempty,max=64"`
}

func (s *Server) handleDamage(c echo.Context) error {
	var req damageRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	return s.respond(c, "applyDamage")(s.combats.ApplyDamage(c.Request().Context(), c.Param("id"), req.ParticipantID, req.Amount, req.DamageType))
}

type healRequest struct {
	ParticipantID string `json:"participantId" validate:"required"`
	Amount        int    `json:"amount" validate:"min=0"`
}

func (s *Server) handleHeal(c echo.Context) error {
	var req healRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	return s.respond(c, "applyHealing")(s.combats.ApplyHealing(c.Request().Context(), c.Param("id"), req.ParticipantID, req.Amount))
}

type conditionRequest struct {
	ParticipantID string `json:"participantId" validate:"required"`
	Condition     string `json:"condition" validate:"required,max=64"`
}

func (s *Server) handleApplyCondition(c echo.Context) error {
	var req conditionRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	return s.respond(c, "applyCondition")(s.combats.ApplyCondition(c.Request().Context(), c.Param("id"), req.ParticipantID, req.Condition))
}

func (s *Server) handleRemoveCondition(c echo.Context) error {
	participantID := c.QueryParam("participantId")
	if participantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing participantId parameter")
	}
	return s.respond(c, "removeCondition")(s.combats.RemoveCondition(c.Request().Context(), c.Param("id"), participantID, c.Param("condition")))
}

func (s *Server) handleAddCombatParticipant(c echo.Context) error {
	var req combatParticipantRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	return s.respond(c, "addParticipant")(s.combats.AddParticipant(c.Request().Context(), c.Param("id"), req.setup()))
}

func (s *Server) handleRemoveCombatParticipant(c echo.Context) error {
	return s.respond(c, "removeParticipant")(s.combats.RemoveParticipant(c.Request().Context(), c.Param("id"), c.Param("participantId")))
}

// bind decodes and validates a JSON request body.
func (s *Server) bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// respond renders an operation result. A delivery failure does not undo the
// committed mutation; it is reported alongside the new state.
func (s *Server) respond(c echo.Context, op string) func(*combat.OpResult, error) error {
	return func(res *combat.OpResult, err error) error {
		if s.metrics != nil {
			s.metrics.RecordOperation(op, err)
		}
		if err != nil {
			return httpError(err)
		}

		body := map[string]interface{}{
			"combat":  res.Combat,
			"entries": res.Entries,
		}
		if res.DeliveryErr != nil {
			body["deliveryError"] = res.DeliveryErr.Error()
			s.logger.Warn("operation committed with delivery failure",
				zap.String("op", op), zap.Error(res.DeliveryErr))
		}
		return c.JSON(http.StatusOK, body)
	}
}
