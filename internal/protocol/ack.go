package protocol

// Ack/NACK envelope returned synchronously for every protocol request.
type AckResponse struct {
	Message AckMessage `json:"message"`
	Error   *Error     `json:"error,omitempty"`
}

type AckMessage struct {
	Ack AckStatus `json:"ack"`
}

type AckStatus struct {
	Status string `json:"status"`
}

func Ack() AckResponse {
	return AckResponse{Message: AckMessage{Ack: AckStatus{Status: "ACK"}}}
}

func Nack(err *Error) AckResponse {
	return AckResponse{Message: AckMessage{Ack: AckStatus{Status: "NACK"}}, Error: err}
}
