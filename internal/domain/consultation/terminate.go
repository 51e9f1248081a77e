package consultation

// propagateTermination tells every member of the room that the consultation
// is over and then force-leaves them all. It runs under the consultation
// lock right after the terminal status was written, so no send or signal
// can be relayed into the room afterwards.
func (r *Relay) propagateTermination(c *Consultation) {
	typ := FrameEnded
	if c.Status == StatusRejected {
		typ = FrameRejected
	}
	room := RoomFor(c.ID)

	data := statusData{ConsultationID: c.ID, Status: c.Status, AcceptedAt: c.AcceptedAt, EndedAt: c.EndedAt}
	delivered := r.broadcast(room, typ, c.ID, data)

	dropped := r.registry.DropRoom(room)
	r.terminations.Inc()
	r.logger.Info().
		Str("consultation_id", c.ID.String()).
		Str("status", string(c.Status)).
		Int("delivered", delivered).
		Int("dropped", dropped).
		Msg("room released")
}
