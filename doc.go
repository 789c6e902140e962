// Package rtrelay is a Go client and conversation model for the Azure OpenAI
// Realtime API, used by the relay server and the file demo in this module.
//
// It works at two levels:
//
//   - Client: the low-level connection. Dial opens a websocket to the
//     resource, NewClient runs the same loops over any Transport (for example
//     the WebRTC data channel in the webrtc subpackage). Client exposes the
//     requests the relay needs (session.update, input_audio_buffer.append,
//     response.create) and a channel of decoded server events.
//   - Session: the conversation model built on top of a Client. It folds the
//     flat server event stream into input audio items and responses, where a
//     response yields items, a message item yields content parts, and each
//     content part yields single-pass chunk streams.
//
// Basic usage:
//
//	cfg := rtrelay.Config{
//		ResourceEndpoint: "https://your-resource.openai.azure.com",
//		Deployment:       "gpt-4o-realtime-preview",
//		APIVersion:       "2024-10-01-preview",
//		Credential:       rtrelay.APIKey("your-api-key"),
//	}
//	sess, err := rtrelay.Open(ctx, cfg, rtrelay.DefaultSessionConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Close()
//
//	for ev := range sess.Events() {
//		switch ev := ev.(type) {
//		case *rtrelay.Response:
//			go handleResponse(ev)
//		case *rtrelay.InputAudioItem:
//			go handleInput(ev)
//		}
//	}
package rtrelay
