package realtime

import "encoding/json"

// The wrappers below are the API the domain services call. Each one fixes
// the entity type so callers cannot fan a prescription change into the
// lab-result rooms by mistake.

func (s *Service) syncEntity(entityType EntityType, entityID string, action Action, data interface{}, userID, username string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.BroadcastSyncEvent(SyncEvent{
		Type:       "sync_event",
		EntityID:   entityID,
		EntityType: entityType,
		Action:     action,
		Data:       raw,
		UserID:     userID,
		Username:   username,
	})
}

// SyncPatientAssignment notifies doctors and nurses of an assignment change.
func (s *Service) SyncPatientAssignment(assignmentID string, action Action, data interface{}, userID, username string) error {
	return s.syncEntity(EntityPatientAssignment, assignmentID, action, data, userID, username)
}

// SyncPrescription notifies doctors and pharmacists of a prescription change.
func (s *Service) SyncPrescription(prescriptionID string, action Action, data interface{}, userID, username string) error {
	return s.syncEntity(EntityPrescription, prescriptionID, action, data, userID, username)
}

// SyncLabResult notifies doctors and lab technicians of a lab result change.
func (s *Service) SyncLabResult(resultID string, action Action, data interface{}, userID, username string) error {
	return s.syncEntity(EntityLabResult, resultID, action, data, userID, username)
}

// SyncVisit notifies clinical and reception staff of a visit change.
func (s *Service) SyncVisit(visitID string, action Action, data interface{}, userID, username string) error {
	return s.syncEntity(EntityVisit, visitID, action, data, userID, username)
}

// SyncPayment notifies admins and reception staff of a payment change.
func (s *Service) SyncPayment(paymentID string, action Action, data interface{}, userID, username string) error {
	return s.syncEntity(EntityPayment, paymentID, action, data, userID, username)
}

// SyncUserUpdate notifies admins of a staff account change.
func (s *Service) SyncUserUpdate(targetUserID string, action Action, data interface{}, userID, username string) error {
	return s.syncEntity(EntityUser, targetUserID, action, data, userID, username)
}
