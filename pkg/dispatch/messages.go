package dispatch

import "lenslate/pkg/media"

const (
	msgImageReceived   = "Image received! What would you like to do?"
	msgAnotherAction   = "Want to do something else with this image?"
	msgProcessing      = "Processing the image... ⏳"
	msgFetchFailed     = "Something went wrong while receiving the image. Please try again."
	msgImageTooLarge   = "This image is too large. Please send a smaller one."
	msgNoActiveSession = "Send an image first!"
	msgUnknownAction   = "Unknown action."
	msgAIFailed        = "Something went wrong while processing the request. Please try again."
	msgAITimeout       = "The request took too long to complete. Please try again."
	msgBusy            = "Still working on your previous request. Please wait for it to finish."
	msgAskForImage     = "Please send me an image to process."

	msgUsage = "Hi! 👋\n\n" +
		"I work with images.\n\n" +
		"Just send me any image and I will offer to:\n" +
		"🇬🇧 Translate its text to English\n" +
		"🇷🇺 Translate its text to Russian\n" +
		"📝 Transcribe the text in it\n\n" +
		"Let's start! Send me an image."
)

func msgUnsupportedType() string {
	return "This file type is not supported. Please send an image (" + media.Describe() + ")."
}
